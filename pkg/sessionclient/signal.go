package sessionclient

import (
	"context"
	"sync"
)

// LogoutSignal distributes logout notifications across controller instances
// (browser tabs, worker processes) so every holder of a session drops it at
// once.
type LogoutSignal interface {
	// Broadcast announces that the principal's session ended.
	Broadcast(ctx context.Context, principalID string) error
	// Watch returns a channel of principal ids whose sessions ended. The
	// channel closes when the context is canceled.
	Watch(ctx context.Context) (<-chan string, error)
}

// MemorySignal is an in-process LogoutSignal for single-process deployments
// and tests.
type MemorySignal struct {
	mu       sync.Mutex
	watchers []chan string
}

// NewMemorySignal creates an in-process signal.
func NewMemorySignal() *MemorySignal {
	return &MemorySignal{}
}

// Broadcast delivers to every watcher. Slow watchers are skipped rather than
// blocked on.
func (s *MemorySignal) Broadcast(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- principalID:
		default:
		}
	}
	return nil
}

// Watch registers a new watcher channel.
func (s *MemorySignal) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 8)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
