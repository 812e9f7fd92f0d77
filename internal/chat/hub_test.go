package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
)

func TestHub_OpenGatesPaidSurfaces(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	hub := NewHub(f.deps, nil, []models.Surface{models.SurfaceAcademic, models.SurfaceWebsiteCreator})
	defer hub.Close()

	free := &models.User{ID: "u1", Tier: models.TierFree}
	paid := &models.User{ID: "u2", Tier: models.TierPaid}
	ctx := context.Background()

	_, err := hub.Open(ctx, free, models.SurfaceAcademic)
	require.ErrorIs(t, err, ErrUpgradeRequired)
	_, err = hub.Open(ctx, free, models.SurfaceWebsiteCreator)
	require.ErrorIs(t, err, ErrUpgradeRequired)

	c, err := hub.Open(ctx, free, models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Equal(t, models.SurfaceGeneral, c.Surface())

	c, err = hub.Open(ctx, paid, models.SurfaceAcademic)
	require.NoError(t, err)
	assert.Equal(t, models.SurfaceAcademic, c.Surface())
}

func TestHub_OneCoordinatorPerUserAndSurface(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	hub := NewHub(f.deps, nil, nil)
	defer hub.Close()
	user := &models.User{ID: "u1"}
	ctx := context.Background()

	a, err := hub.Open(ctx, user, models.SurfaceGeneral)
	require.NoError(t, err)
	b, err := hub.Open(ctx, user, models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := hub.Open(ctx, user, models.SurfaceAcademic)
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	// a fresh session is created for each surface on first open
	general, err := f.store.GetSessions(ctx, "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Len(t, general, 1)
	academic, err := f.store.GetSessions(ctx, "u1", models.SurfaceAcademic)
	require.NoError(t, err)
	assert.Len(t, academic, 1)
}

func TestHub_ConcurrentOpenCreatesOneSession(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	hub := NewHub(f.deps, nil, nil)
	defer hub.Close()
	user := &models.User{ID: "u1"}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hub.Open(context.Background(), user, models.SurfaceGeneral)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sessions, err := f.store.GetSessions(context.Background(), "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestHub_PlayersAreOwnedAndDisposed(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	var (
		mu      sync.Mutex
		players []*fakePlayer
	)
	hub := NewHub(f.deps, func() BeatPlayer {
		mu.Lock()
		defer mu.Unlock()
		p := &fakePlayer{}
		players = append(players, p)
		return p
	}, nil)

	ctx := context.Background()
	_, err := hub.Open(ctx, &models.User{ID: "u1"}, models.SurfaceGeneral)
	require.NoError(t, err)
	_, err = hub.Open(ctx, &models.User{ID: "u2"}, models.SurfaceGeneral)
	require.NoError(t, err)
	require.Len(t, players, 2)

	hub.Release("u1")
	assert.True(t, players[0].disposed)
	assert.False(t, players[1].disposed)

	hub.Close()
	assert.True(t, players[1].disposed)
	hub.Close()
}

func TestHub_OpenAfterClose(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	created := 0
	hub := NewHub(f.deps, func() BeatPlayer {
		created++
		return &fakePlayer{}
	}, nil)
	hub.Close()

	_, err := hub.Open(context.Background(), &models.User{ID: "u1"}, models.SurfaceGeneral)
	require.ErrorIs(t, err, ErrHubClosed)
	assert.Zero(t, created)
}

// blockingStore stalls GetSessions for one user until release is closed.
type blockingStore struct {
	storage.SessionStore
	slowUser string
	entered  chan struct{}
	release  chan struct{}
}

func (s *blockingStore) GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error) {
	if userID == s.slowUser {
		close(s.entered)
		<-s.release
	}
	return s.SessionStore.GetSessions(ctx, userID, surface)
}

func TestHub_SlowLoadDoesNotBlockOtherUsers(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	store := &blockingStore{
		SessionStore: f.store,
		slowUser:     "slow",
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	deps := f.deps
	deps.Store = store
	hub := NewHub(deps, nil, nil)
	defer hub.Close()

	slowDone := make(chan error, 1)
	go func() {
		_, err := hub.Open(context.Background(), &models.User{ID: "slow"}, models.SurfaceGeneral)
		slowDone <- err
	}()
	<-store.entered

	c, err := hub.Open(context.Background(), &models.User{ID: "fast"}, models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Equal(t, models.SurfaceGeneral, c.Surface())

	close(store.release)
	require.NoError(t, <-slowDone)
}
