package repair

import (
	"os"
	"sync"
	"time"

	"github.com/freshell/freshell/internal/logger"
)

// scanInterval is how often stored overrides are checked against disk.
const scanInterval = 10 * time.Minute

// OverrideStore is the slice of the config store the repairer prunes.
type OverrideStore interface {
	SessionOverrideKeys() []string
	DeleteSession(compositeKey string)
}

// FilePathResolver maps a "provider:sessionId" composite key to its
// transcript file, reporting false when the session is not indexed at all.
type FilePathResolver func(compositeKey string) (string, bool)

// Repairer removes session overrides whose underlying transcripts no longer
// exist, so the store does not accumulate entries for sessions the user
// deleted out from under us.
type Repairer struct {
	store OverrideStore

	mu      sync.RWMutex
	resolve FilePathResolver

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewRepairer(store OverrideStore) *Repairer {
	return &Repairer{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// SetFilePathResolver wires the indexer lookup. Until set, scans are no-ops.
func (r *Repairer) SetFilePathResolver(resolve FilePathResolver) {
	r.mu.Lock()
	r.resolve = resolve
	r.mu.Unlock()
}

// Start launches the periodic scan. Idempotent.
func (r *Repairer) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

// Stop halts scanning. Idempotent.
func (r *Repairer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func (r *Repairer) run() {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Scan()
		case <-r.stopCh:
			return
		}
	}
}

// Scan prunes overrides for sessions that are gone from disk. An override is
// kept while its transcript file still exists, even if the session is hidden
// from the snapshot.
func (r *Repairer) Scan() {
	r.mu.RLock()
	resolve := r.resolve
	r.mu.RUnlock()
	if resolve == nil {
		return
	}

	for _, key := range r.store.SessionOverrideKeys() {
		path, ok := resolve(key)
		if !ok {
			logger.Infof("🧹 Pruning override for unindexed session %s", key)
			r.store.DeleteSession(key)
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Infof("🧹 Pruning override for deleted session %s", key)
			r.store.DeleteSession(key)
		}
	}
}
