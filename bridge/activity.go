package bridge

import (
	"sync"
	"time"
)

type activityTimer struct {
	at time.Time
	mu sync.RWMutex
}

func (t *activityTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.at = time.Now()
}

func (t *activityTimer) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.at)
}
