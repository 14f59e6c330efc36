package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(ttl)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRemove(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess := &Session{ID: "sid-1", State: "s1", Nonce: "n1", CodeVerifier: "v1"}
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "s1", loaded.State)
	assert.False(t, loaded.ExpiresAt.IsZero(), "store assigns an expiry on save")

	removed, err := store.Remove(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, removed)

	// unknown, expired and consumed are indistinguishable
	loaded, err = store.Load(ctx, "sid-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	removed, err = store.Remove(ctx, "sid-1")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestLoadUnknown(t *testing.T) {
	store := newTestStore(t, time.Minute)

	loaded, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveOverwrites(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "sid-1", State: "before"}))
	require.NoError(t, store.Save(ctx, &Session{ID: "sid-1", State: "after"}))

	loaded, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "after", loaded.State)
}

func TestExpiredSessionIsAbsent(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess := &Session{ID: "sid-1", ExpiresAt: time.Now().Add(-time.Second)}
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	removed, err := store.Remove(ctx, "sid-1")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestLoadHandsOutDetachedCopies(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	original := &Session{ID: "sid-1", State: "s1"}
	require.NoError(t, store.Save(ctx, original))

	first, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "concurrent requests must not share a session struct")

	// mutations stay invisible until saved
	first.State = "mutated"
	original.State = "also mutated"
	reloaded, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", reloaded.State)

	require.NoError(t, store.Save(ctx, first))
	reloaded, err = store.Load(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "mutated", reloaded.State)
}

func TestRemoveHandsOutDetachedCopy(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "sid-1", State: "s1"}))

	loaded, err := store.Load(ctx, "sid-1")
	require.NoError(t, err)
	removed, err := store.Remove(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.NotSame(t, loaded, removed)

	loaded.State = "mutated"
	assert.Equal(t, "s1", removed.State)
}

func TestRemoveIsSingleUse(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "sid-1"}))

	const workers = 64
	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		lost atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			removed, err := store.Remove(ctx, "sid-1")
			require.NoError(t, err)
			if removed != nil {
				won.Add(1)
			} else {
				lost.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load(), "exactly one concurrent remove must observe the session")
	assert.Equal(t, int32(workers-1), lost.Load())
}

func TestCleanupPurgesExpired(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "old", ExpiresAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, store.Save(ctx, &Session{ID: "fresh"}))

	store.cleanup()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotContains(t, store.sessions, "old")
	assert.Contains(t, store.sessions, "fresh")
}
