package usecase

import "sync"

// inflight allows one generation action per user at a time.
type inflight struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{active: make(map[string]struct{})}
}

// acquire returns a release func, or false when the user already has an
// action running.
func (f *inflight) acquire(userID string) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[userID]; busy {
		return nil, false
	}
	f.active[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.active, userID)
			f.mu.Unlock()
		})
	}, true
}
