package agent

import "sync"

// lanes serializes turns per session key. Cross-session lanes run
// independently; within one lane, only one turn touches the session's state
// at a time.
type lanes struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*sync.Mutex)}
}

// acquire blocks until the session's lane is free and returns its release.
func (l *lanes) acquire(key string) func() {
	l.mu.Lock()
	lane, ok := l.m[key]
	if !ok {
		lane = &sync.Mutex{}
		l.m[key] = lane
	}
	l.mu.Unlock()

	lane.Lock()
	return lane.Unlock
}
