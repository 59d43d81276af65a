package sessionclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scriptable API implementation.
type fakeAPI struct {
	mu           sync.Mutex
	refreshCalls int32
	guestCalls   int32
	logoutCalls  int32

	refreshDelay time.Duration
	refreshErr   error
	nextToken    string
	nextExpiry   time.Time
}

func (f *fakeAPI) Refresh(ctx context.Context) (Snapshot, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshDelay > 0 {
		select {
		case <-time.After(f.refreshDelay):
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return Snapshot{}, f.refreshErr
	}
	return Snapshot{
		PrincipalID:     "user-001",
		AccessToken:     f.nextToken,
		AccessExpiresAt: f.nextExpiry,
	}, nil
}

func (f *fakeAPI) Guest(ctx context.Context) (Snapshot, error) {
	atomic.AddInt32(&f.guestCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		PrincipalID:     "guest-001",
		AccessToken:     f.nextToken,
		AccessExpiresAt: f.nextExpiry,
	}, nil
}

func (f *fakeAPI) Logout(ctx context.Context) error {
	atomic.AddInt32(&f.logoutCalls, 1)
	return nil
}

func TestAccessToken_ValidTokenSkipsRefresh(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, Options{RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "current-token",
		AccessExpiresAt: time.Now().Add(time.Hour),
	})

	token, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current-token", token)
	assert.Zero(t, atomic.LoadInt32(&api.refreshCalls))
}

func TestAccessToken_RefreshesWhenInsideLead(t *testing.T) {
	api := &fakeAPI{nextToken: "renewed-token", nextExpiry: time.Now().Add(time.Hour)}
	c := New(api, Options{RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "stale-token",
		AccessExpiresAt: time.Now().Add(10 * time.Second),
	})

	token, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "renewed-token", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshCalls))
	assert.Equal(t, StateAuthenticated, c.Current().State)
}

func TestAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	api := &fakeAPI{
		nextToken:    "renewed-token",
		nextExpiry:   time.Now().Add(time.Hour),
		refreshDelay: 50 * time.Millisecond,
	}
	c := New(api, Options{RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "stale-token",
		AccessExpiresAt: time.Now().Add(-time.Second),
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "renewed-token", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshCalls))
}

func TestAccessToken_NoSession(t *testing.T) {
	c := New(&fakeAPI{}, Options{})
	_, err := c.AccessToken(context.Background())
	assert.Error(t, err)
}

func TestAccessToken_RefreshFailureDropsSession(t *testing.T) {
	api := &fakeAPI{refreshErr: errors.New("REUSE_DETECTED: session terminated")}
	c := New(api, Options{RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "stale-token",
		AccessExpiresAt: time.Now().Add(-time.Second),
	})

	_, err := c.AccessToken(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateLoggedOut, c.Current().State)
}

func TestGuestSession_ReissuedNotRefreshed(t *testing.T) {
	api := &fakeAPI{nextToken: "new-guest-token", nextExpiry: time.Now().Add(time.Hour)}
	c := New(api, Options{RefreshLead: time.Minute})

	_, err := c.BeginGuest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateGuest, c.Current().State)

	// Force the guest token stale: renewal must go through Guest, not Refresh.
	c.SetSession(Snapshot{
		State:           StateGuest,
		PrincipalID:     "guest-001",
		AccessToken:     "expired-guest-token",
		AccessExpiresAt: time.Now().Add(-time.Second),
	})

	token, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-guest-token", token)
	assert.Zero(t, atomic.LoadInt32(&api.refreshCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.guestCalls))
}

func TestLogout_BroadcastsSignal(t *testing.T) {
	api := &fakeAPI{}
	signal := NewMemorySignal()
	c := New(api, Options{Signal: signal})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := signal.Watch(ctx)
	require.NoError(t, err)

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "token",
		AccessExpiresAt: time.Now().Add(time.Hour),
	})

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, StateLoggedOut, c.Current().State)

	select {
	case id := <-ch:
		assert.Equal(t, "user-001", id)
	case <-time.After(time.Second):
		t.Fatal("no logout signal received")
	}
}

func TestWatchSignals_DropsMatchingSession(t *testing.T) {
	api := &fakeAPI{}
	signal := NewMemorySignal()
	c := New(api, Options{Signal: signal, RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "token",
		AccessExpiresAt: time.Now().Add(time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// Give the watcher a moment to subscribe.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, signal.Broadcast(context.Background(), "user-001"))

	assert.Eventually(t, func() bool {
		return c.Current().State == StateLoggedOut
	}, time.Second, 10*time.Millisecond)
}

func TestWatchSignals_IgnoresOtherPrincipals(t *testing.T) {
	api := &fakeAPI{}
	signal := NewMemorySignal()
	c := New(api, Options{Signal: signal, RefreshLead: time.Minute})

	c.SetSession(Snapshot{
		State:           StateAuthenticated,
		PrincipalID:     "user-001",
		AccessToken:     "token",
		AccessExpiresAt: time.Now().Add(time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, signal.Broadcast(context.Background(), "someone-else"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateAuthenticated, c.Current().State)
}

func TestSubscribe_NotifiedOnChange(t *testing.T) {
	c := New(&fakeAPI{}, Options{})

	var got []State
	var mu sync.Mutex
	c.Subscribe(func(s Snapshot) {
		mu.Lock()
		got = append(got, s.State)
		mu.Unlock()
	})

	c.SetSession(Snapshot{State: StateAuthenticated, AccessExpiresAt: time.Now().Add(time.Hour)})
	c.SetSession(Snapshot{State: StateLoggedOut})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAuthenticated, StateLoggedOut}, got)
}

func TestMemorySignal_MultipleWatchers(t *testing.T) {
	signal := NewMemorySignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := signal.Watch(ctx)
	require.NoError(t, err)
	b, err := signal.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, signal.Broadcast(context.Background(), "user-9"))

	for _, ch := range []<-chan string{a, b} {
		select {
		case id := <-ch:
			assert.Equal(t, "user-9", id)
		case <-time.After(time.Second):
			t.Fatal("watcher missed broadcast")
		}
	}
}
