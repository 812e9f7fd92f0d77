package chat

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrHubClosed = errors.New("chat hub is closed")

type hubKey struct {
	userID  string
	surface models.Surface
}

func (k hubKey) String() string { return k.userID + "\x00" + string(k.surface) }

// Hub hands out one Coordinator per (user, surface) and enforces the paid
// surface gate. It is safe for concurrent use.
type Hub struct {
	deps         Dependencies
	newPlayer    func() BeatPlayer
	paidSurfaces []models.Surface
	logger       *zap.Logger

	// opening collapses concurrent first opens of one key; different keys
	// load their sessions in parallel.
	opening singleflight.Group

	mu     sync.Mutex
	coords map[hubKey]*Coordinator
	closed bool
}

// NewHub builds a hub. newPlayer, when set, gives each coordinator its own
// player and overrides deps.Player.
func NewHub(deps Dependencies, newPlayer func() BeatPlayer, paidSurfaces []models.Surface) *Hub {
	deps.setDefaults()
	return &Hub{
		deps:         deps,
		newPlayer:    newPlayer,
		paidSurfaces: paidSurfaces,
		logger:       deps.Logger,
		coords:       make(map[hubKey]*Coordinator),
	}
}

// Allowed reports whether user may open surface.
func (h *Hub) Allowed(user *models.User, surface models.Surface) bool {
	return user.Tier == models.TierPaid || !slices.Contains(h.paidSurfaces, surface)
}

func (h *Hub) Open(ctx context.Context, user *models.User, surface models.Surface) (*Coordinator, error) {
	if !h.Allowed(user, surface) {
		return nil, ErrUpgradeRequired
	}

	key := hubKey{userID: user.ID, surface: surface}
	if c, err := h.lookup(key); c != nil || err != nil {
		return c, err
	}

	v, err, _ := h.opening.Do(key.String(), func() (any, error) {
		if c, err := h.lookup(key); c != nil || err != nil {
			return c, err
		}
		return h.create(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

func (h *Hub) lookup(key hubKey) (*Coordinator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	return h.coords[key], nil
}

// create loads the sessions of key without holding h.mu.
func (h *Hub) create(ctx context.Context, key hubKey) (*Coordinator, error) {
	deps := h.deps
	if h.newPlayer != nil {
		deps.Player = h.newPlayer()
	}
	c, err := NewCoordinator(ctx, deps, key.userID, key.surface)
	if err != nil {
		if h.newPlayer != nil {
			deps.Player.Dispose()
		}
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.disposeLocked(c)
		return nil, ErrHubClosed
	}
	h.coords[key] = c
	h.logger.Debug("Opened coordinator", zap.String("user_id", key.userID), zap.String("surface", string(key.surface)))
	return c, nil
}

// Release drops every coordinator of a user, e.g. on logout.
func (h *Hub) Release(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, c := range h.coords {
		if key.userID != userID {
			continue
		}
		h.disposeLocked(c)
		delete(h.coords, key)
	}
}

// Close disposes every player owned by the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, c := range h.coords {
		h.disposeLocked(c)
		delete(h.coords, key)
	}
}

func (h *Hub) disposeLocked(c *Coordinator) {
	if h.newPlayer != nil && c.deps.Player != nil {
		c.deps.Player.Dispose()
	}
}
