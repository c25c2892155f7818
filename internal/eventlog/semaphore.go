package eventlog

import "sync"

// refSemaphores serializes writers by (identity, topic), matching the "at
// most one concurrent writer per key in this process" invariant of
// spec.md §4.2. It lazily creates one *sync.Mutex per key and never removes
// entries: the key space is bounded by the number of identities this peer
// replicates times the handful of well-known topics, not request volume.
type refSemaphores struct {
	mu    sync.Map // map[string]*sync.Mutex
}

func (s *refSemaphores) acquire(key string) func() {
	v, _ := s.mu.LoadOrStore(key, &sync.Mutex{})
	lock := v.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}
