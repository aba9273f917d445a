package contacts

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox-sync/internal/store"
)

func setupResolver(t *testing.T) *Resolver {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureWorkspace(context.Background(), "ws-1", "Test", "pro"))
	return NewResolver(st)
}

func TestResolveIdempotent(t *testing.T) {
	r := setupResolver(t)
	ctx := context.Background()

	id1, isNew, err := r.Resolve(ctx, "ws-1", "user-1", "microsoft", "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.True(t, isNew)

	id2, isNew, err := r.Resolve(ctx, "ws-1", "user-1", "microsoft", "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)
}

func TestResolveConcurrentSameSender(t *testing.T) {
	r := setupResolver(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg stdsync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], _, errs[i] = r.Resolve(ctx, "ws-1", "user-1", "microsoft", "bob@example.com", "Bob")
		}()
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i], "all racers must resolve to one contact")
	}
}
