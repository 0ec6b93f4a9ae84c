package surreal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// DocumentStore implements validation.DocumentStore over SurrealDB tables,
// one table per collection.
type DocumentStore struct {
	db *surrealdb.DB
}

var _ validation.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore wraps a connected client.
func NewDocumentStore(c *Client) *DocumentStore {
	return &DocumentStore{db: c.DB()}
}

type countRow struct {
	Count int `json:"count"`
}

type docRow struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Count returns the number of records in the collection's table.
func (s *DocumentStore) Count(ctx context.Context, collection string) (int, error) {
	results, err := surrealdb.Query[[]countRow](ctx, s.db,
		`SELECT count() AS count FROM type::table($tb) GROUP ALL`,
		map[string]any{"tb": collection})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

// List returns one page of documents ordered by record ID.
func (s *DocumentStore) List(ctx context.Context, collection string, offset, limit int) ([]validation.Document, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("list %s: %w: negative offset or limit", collection, validation.ErrInvalidRequest)
	}
	if limit == 0 {
		return []validation.Document{}, nil
	}
	results, err := surrealdb.Query[[]docRow](ctx, s.db, `
		SELECT VALUE { id: <string> record::id(id), data: $this }
		FROM type::table($tb)
		ORDER BY id
		LIMIT $limit START $start
	`, map[string]any{"tb": collection, "limit": limit, "start": offset})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	docs := []validation.Document{}
	if results == nil || len(*results) == 0 {
		return docs, nil
	}
	for _, row := range (*results)[0].Result {
		data := row.Data
		if data == nil {
			data = map[string]any{}
		}
		delete(data, "id")
		docs = append(docs, validation.Document{ID: row.ID, Data: data})
	}
	return docs, nil
}

// GetField reads a single value. A missing record or an absent path is ErrNotFound.
func (s *DocumentStore) GetField(ctx context.Context, ref validation.DocumentRef, path validation.FieldPath) (any, error) {
	expr, err := RenderPath(path)
	if err != nil {
		return nil, err
	}
	results, err := surrealdb.Query[[]any](ctx, s.db,
		fmt.Sprintf(`SELECT VALUE %s FROM type::record($tb, $id)`, expr),
		map[string]any{"tb": ref.Collection, "id": ref.DocumentID})
	if err != nil {
		return nil, fmt.Errorf("get field %s %s: %w", ref, path, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get field %s: %w", ref, validation.ErrNotFound)
	}
	v := (*results)[0].Result[0]
	if v == nil {
		return nil, fmt.Errorf("get field %s %s: %w", ref, path, validation.ErrNotFound)
	}
	return v, nil
}

// UpdateField sets path to value only while it still equals expected. Siblings
// are untouched because the SET targets the single nested location.
func (s *DocumentStore) UpdateField(ctx context.Context, ref validation.DocumentRef, path validation.FieldPath, expected, value string) error {
	expr, err := RenderPath(path)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(
		`UPDATE type::record($tb, $id) SET %[1]s = $value WHERE %[1]s = $expected RETURN VALUE %[1]s`,
		expr)
	results, err := surrealdb.Query[[]any](ctx, s.db, sql, map[string]any{
		"tb":       ref.Collection,
		"id":       ref.DocumentID,
		"value":    value,
		"expected": expected,
	})
	if err != nil {
		return fmt.Errorf("update field %s %s: %w", ref, path, err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return nil
	}

	// Nothing matched: tell a vanished record apart from a changed value.
	if _, err := s.GetField(ctx, ref, path); err != nil {
		if errors.Is(err, validation.ErrNotFound) {
			return fmt.Errorf("update field %s %s: %w", ref, path, validation.ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("update field %s %s: %w", ref, path, validation.ErrPreconditionFailed)
}

// RenderPath turns a FieldPath into a SurrealQL idiom: keys are backtick-quoted,
// list indices become [n]. Keys containing a backtick are rejected.
func RenderPath(path validation.FieldPath) (string, error) {
	if len(path) == 0 || path[0].IsIndex {
		return "", fmt.Errorf("render %q: %w", path.String(), validation.ErrInvalidFieldPath)
	}
	var b strings.Builder
	for i, seg := range path {
		if seg.IsIndex {
			b.WriteString("[" + strconv.Itoa(seg.Index) + "]")
			continue
		}
		if seg.Key == "" || strings.ContainsRune(seg.Key, '`') {
			return "", fmt.Errorf("render key %q: %w", seg.Key, validation.ErrInvalidFieldPath)
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString("`" + seg.Key + "`")
	}
	return b.String(), nil
}
