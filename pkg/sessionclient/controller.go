// Package sessionclient is a client-side session controller for services and
// tools that talk to the session API. It caches the access token, refreshes it
// proactively before expiry, collapses concurrent refreshes into one call, and
// reacts to cross-instance logout signals.
package sessionclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is the controller's view of the session.
type State string

const (
	StateUnknown       State = "unknown"
	StateGuest         State = "guest"
	StateAuthenticated State = "authenticated"
	StateLoggedOut     State = "logged_out"
)

// Snapshot is an immutable view of the current session.
type Snapshot struct {
	State           State
	PrincipalID     string
	Roles           []string
	Permissions     []string
	AccessToken     string
	AccessExpiresAt time.Time
	CSRFToken       string
}

// API is the server surface the controller drives. Implementations carry the
// refresh cookie themselves (an http.Client with a cookie jar).
type API interface {
	// Refresh exchanges the refresh cookie for a renewed session.
	Refresh(ctx context.Context) (Snapshot, error)
	// Guest opens an anonymous session.
	Guest(ctx context.Context) (Snapshot, error)
	// Logout revokes the current session.
	Logout(ctx context.Context) error
}

// Options tune the controller.
type Options struct {
	// RefreshLead is how long before access expiry a proactive refresh fires.
	RefreshLead time.Duration
	// Signal distributes logout across controller instances. Optional.
	Signal LogoutSignal
	Logger *slog.Logger
}

// Controller holds the session state machine.
type Controller struct {
	api         API
	refreshLead time.Duration
	signal      LogoutSignal
	logger      *slog.Logger

	mu          sync.RWMutex
	snap        Snapshot
	subscribers []func(Snapshot)

	sf  singleflight.Group
	now func() time.Time
}

// New creates a controller in the unknown state.
func New(api API, opts Options) *Controller {
	if opts.RefreshLead <= 0 {
		opts.RefreshLead = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		api:         api,
		refreshLead: opts.RefreshLead,
		signal:      opts.Signal,
		logger:      opts.Logger,
		snap:        Snapshot{State: StateUnknown},
		now:         time.Now,
	}
}

// Run drives the proactive refresh loop and the logout signal watcher until
// the context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	if c.signal != nil {
		ch, err := c.signal.Watch(ctx)
		if err != nil {
			return fmt.Errorf("watch logout signal: %w", err)
		}
		go c.watchSignals(ctx, ch)
	}

	for {
		wait := c.nextRefreshIn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			snap := c.Current()
			if snap.State != StateAuthenticated && snap.State != StateGuest {
				continue
			}
			if _, err := c.refresh(ctx); err != nil {
				c.logger.Warn("proactive refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Current returns the current session snapshot.
func (c *Controller) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// SetSession installs a session obtained out of band (login, registration, or
// guest upgrade performed by the caller).
func (c *Controller) SetSession(snap Snapshot) {
	c.store(snap)
}

// AccessToken returns a currently valid access token, refreshing first when
// the cached one is expired or inside the refresh lead. Concurrent callers
// share one refresh.
func (c *Controller) AccessToken(ctx context.Context) (string, error) {
	snap := c.Current()
	switch snap.State {
	case StateAuthenticated, StateGuest:
	default:
		return "", fmt.Errorf("no active session")
	}

	if c.now().Before(snap.AccessExpiresAt.Add(-c.refreshLead)) {
		return snap.AccessToken, nil
	}

	renewed, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	return renewed.AccessToken, nil
}

// BeginGuest opens an anonymous session.
func (c *Controller) BeginGuest(ctx context.Context) (Snapshot, error) {
	snap, err := c.api.Guest(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open guest session: %w", err)
	}
	snap.State = StateGuest
	c.store(snap)
	return snap, nil
}

// Logout revokes the session, clears local state, and broadcasts the logout
// to other controller instances.
func (c *Controller) Logout(ctx context.Context) error {
	snap := c.Current()
	if err := c.api.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.store(Snapshot{State: StateLoggedOut})

	if c.signal != nil && snap.PrincipalID != "" {
		if err := c.signal.Broadcast(ctx, snap.PrincipalID); err != nil {
			c.logger.Warn("logout broadcast failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Subscribe registers a callback invoked on every state change. Callbacks run
// synchronously under the controller's lock ordering; keep them fast.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// refresh collapses concurrent refresh attempts into a single API call.
func (c *Controller) refresh(ctx context.Context) (Snapshot, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		// A refresh completed by another caller while we waited is reused.
		snap := c.Current()
		if c.now().Before(snap.AccessExpiresAt.Add(-c.refreshLead)) {
			return snap, nil
		}

		if snap.State == StateGuest {
			// Guests have no refresh token; a new guest identity replaces
			// the expired one.
			return c.refreshGuest(ctx)
		}

		renewed, err := c.api.Refresh(ctx)
		if err != nil {
			c.store(Snapshot{State: StateLoggedOut})
			return Snapshot{}, err
		}
		renewed.State = StateAuthenticated
		c.store(renewed)
		return renewed, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (c *Controller) refreshGuest(ctx context.Context) (Snapshot, error) {
	snap, err := c.api.Guest(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.State = StateGuest
	c.store(snap)
	return snap, nil
}

func (c *Controller) nextRefreshIn() time.Duration {
	snap := c.Current()
	if snap.AccessExpiresAt.IsZero() {
		return 30 * time.Second
	}
	wait := snap.AccessExpiresAt.Add(-c.refreshLead).Sub(c.now())
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (c *Controller) watchSignals(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case principalID, ok := <-ch:
			if !ok {
				return
			}
			snap := c.Current()
			if snap.PrincipalID != "" && snap.PrincipalID == principalID {
				c.logger.Info("logout signal received, dropping session",
					slog.String("principal_id", principalID),
				)
				c.store(Snapshot{State: StateLoggedOut})
			}
		}
	}
}

func (c *Controller) store(snap Snapshot) {
	c.mu.Lock()
	c.snap = snap
	subs := append(([]func(Snapshot))(nil), c.subscribers...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
