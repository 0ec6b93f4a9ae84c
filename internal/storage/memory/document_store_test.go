package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-validator/internal/validation"
)

func TestDocumentStorePaging(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	for i := range 120 {
		store.Put("yachts", fmt.Sprintf("y%03d", 119-i), map[string]any{"n": i})
	}
	ctx := context.Background()

	n, err := store.Count(ctx, "yachts")
	require.NoError(t, err)
	require.Equal(t, 120, n)

	page, err := store.List(ctx, "yachts", 100, 50)
	require.NoError(t, err)
	require.Len(t, page, 20)
	require.Equal(t, "y100", page[0].ID)
	require.Equal(t, "y119", page[19].ID)

	page, err = store.List(ctx, "yachts", 500, 50)
	require.NoError(t, err)
	require.Empty(t, page)

	_, err = store.List(ctx, "yachts", -1, 10)
	require.ErrorIs(t, err, validation.ErrInvalidRequest)
}

func TestDocumentStoreConditionalUpdate(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	store.Put("yachts", "y1", map[string]any{
		"name":  "Aurora",
		"media": []any{map[string]any{"url": "blob:1", "type": "image"}},
	})
	ctx := context.Background()
	ref := validation.DocumentRef{Collection: "yachts", DocumentID: "y1"}
	path := validation.MustParseFieldPath("media.[0].url")

	require.ErrorIs(t, store.UpdateField(ctx, ref, path, "blob:other", "https://p/x.jpg"), validation.ErrPreconditionFailed)
	require.NoError(t, store.UpdateField(ctx, ref, path, "blob:1", "https://p/x.jpg"))
	require.ErrorIs(t, store.UpdateField(ctx, ref, path, "blob:1", "https://p/x.jpg"), validation.ErrPreconditionFailed)

	v, err := store.GetField(ctx, ref, path)
	require.NoError(t, err)
	require.Equal(t, "https://p/x.jpg", v)

	doc, ok := store.Get("yachts", "y1")
	require.True(t, ok)
	require.Equal(t, "Aurora", doc["name"])
	require.Equal(t, "image", doc["media"].([]any)[0].(map[string]any)["type"])

	missing := validation.DocumentRef{Collection: "yachts", DocumentID: "nope"}
	require.ErrorIs(t, store.UpdateField(ctx, missing, path, "", "x"), validation.ErrNotFound)
	_, err = store.GetField(ctx, ref, validation.MustParseFieldPath("media.[3].url"))
	require.ErrorIs(t, err, validation.ErrNotFound)
}

func TestDocumentStoreListReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	store.Put("yachts", "y1", map[string]any{"media": []any{"a"}})
	page, err := store.List(context.Background(), "yachts", 0, 10)
	require.NoError(t, err)
	page[0].Data["media"].([]any)[0] = "mutated"

	doc, _ := store.Get("yachts", "y1")
	require.Equal(t, "a", doc["media"].([]any)[0])
}

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	seed := `
collections:
  yachts:
    - id: y1
      media:
        0: {url: "blob:abc"}
        1: {url: "https://cdn.example/x.jpg"}
  users:
    - id: u1
      profile:
        photoUrl: "https://cdn.example/me.jpg"
`
	store := NewDocumentStore()
	n, err := store.LoadSeed(strings.NewReader(seed))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	doc, ok := store.Get("yachts", "y1")
	require.True(t, ok)
	media, ok := doc["media"].(map[string]any)
	require.True(t, ok, "integer YAML keys become string keys")
	require.Equal(t, "blob:abc", media["0"].(map[string]any)["url"])
	_, hasID := doc["id"]
	require.False(t, hasID)

	_, err = store.LoadSeed(strings.NewReader("collections:\n  yachts:\n    - name: no id\n"))
	require.ErrorContains(t, err, "missing string id")
}
