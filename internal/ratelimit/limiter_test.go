package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 10, PerHostBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://cdn.example/a.jpg"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://cdn.example/b.jpg"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 1, PerHostBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1.jpg"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1.jpg"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "host b must not wait on host a")
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.001, PerHostBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example/x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example/y"))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://cdn.example/x"))
	}
}
