package sessions

import (
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// fallbackScanInterval re-scans periodically in case filesystem events are
// missed (network mounts, editors doing atomic renames).
const fallbackScanInterval = 30 * time.Second

// Subscriber receives indexer notifications. OnUpdate fires after every
// refresh with the full snapshot; OnNewSession fires once per session the
// indexer has never seen before, after the initial scan has completed.
type Subscriber interface {
	OnUpdate(projects []models.ProjectGroup)
	OnNewSession(session models.CodingCliSession)
}

// IndexerStore is the slice of the config store the indexer reads: scan
// settings plus stored per-session overrides.
type IndexerStore interface {
	GetSettings() models.Settings
	SessionOverride(compositeKey string) (models.SessionOverride, bool)
}

// Indexer discovers coding CLI sessions on disk and maintains a grouped
// snapshot. Refreshes are single-flight: calls arriving while a scan runs
// coalesce into one trailing scan.
type Indexer struct {
	providers []Provider
	store     IndexerStore

	mu            sync.RWMutex
	projects      []models.ProjectGroup
	fileBySession map[string]string
	known         map[string]struct{}
	initialized   bool

	subMu  sync.Mutex
	subs   map[int]Subscriber
	nextID int

	refreshCh chan struct{}
	stopCh    chan struct{}
	watcher   *fsnotify.Watcher

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewIndexer creates an indexer over the given providers. Call Start to
// begin watching; Refresh works before Start for synchronous use in tests.
func NewIndexer(store IndexerStore, providers ...Provider) *Indexer {
	return &Indexer{
		providers:     providers,
		store:         store,
		fileBySession: make(map[string]string),
		known:         make(map[string]struct{}),
		subs:          make(map[int]Subscriber),
		refreshCh:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Subscribe registers a subscriber and returns its unsubscribe func.
func (i *Indexer) Subscribe(sub Subscriber) func() {
	i.subMu.Lock()
	id := i.nextID
	i.nextID++
	i.subs[id] = sub
	i.subMu.Unlock()

	return func() {
		i.subMu.Lock()
		delete(i.subs, id)
		i.subMu.Unlock()
	}
}

// Start runs the initial scan and begins watching transcript directories.
// Idempotent.
func (i *Indexer) Start() {
	i.startOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warnf("⚠️  Failed to create session watcher, falling back to polling: %v", err)
		} else {
			i.watcher = watcher
		}

		i.refreshOnce()
		go i.run()
		logger.Info("🔍 Session indexer started")
	})
}

// Stop halts watching and scanning. Idempotent.
func (i *Indexer) Stop() {
	i.stopOnce.Do(func() {
		close(i.stopCh)
		if i.watcher != nil {
			_ = i.watcher.Close()
		}
		logger.Info("🔍 Session indexer stopped")
	})
}

// Refresh requests a rescan. It never blocks: if a scan is already running
// the request folds into the single pending trailing scan.
func (i *Indexer) Refresh() {
	select {
	case i.refreshCh <- struct{}{}:
	default:
	}
}

// GetProjects returns the current grouped snapshot.
func (i *Indexer) GetProjects() []models.ProjectGroup {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]models.ProjectGroup, len(i.projects))
	copy(out, i.projects)
	return out
}

// GetFilePathForSession maps a "provider:sessionId" composite key to its
// transcript file, if the session is currently indexed.
func (i *Indexer) GetFilePathForSession(compositeKey string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	path, ok := i.fileBySession[compositeKey]
	return path, ok
}

func (i *Indexer) run() {
	ticker := time.NewTicker(fallbackScanInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if i.watcher != nil {
		events = i.watcher.Events
		errs = i.watcher.Errors
	}

	for {
		select {
		case <-i.stopCh:
			return
		case <-i.refreshCh:
			i.refreshOnce()
		case <-ticker.C:
			i.refreshOnce()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				i.Refresh()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warnf("⚠️  Session watcher error: %v", err)
		}
	}
}

// refreshOnce performs one full scan: gather, merge overrides, group, diff,
// swap, notify.
func (i *Indexer) refreshOnce() {
	settings := i.store.GetSettings()

	var sessions []models.CodingCliSession
	fileBySession := make(map[string]string)

	for _, provider := range i.providers {
		dirs := provider.StorageDirs(settings)
		i.watchDirs(dirs)

		for _, file := range provider.ListSessionFiles(dirs) {
			parsed, err := provider.ParseSessionFile(file)
			if err != nil {
				logger.Warnf("⚠️  Skipping unparsable %s session file %s: %v", provider.Name(), file, err)
				continue
			}
			for _, sess := range parsed {
				if sess.SessionID == "" {
					continue
				}
				i.applyOverride(&sess)
				// Deleted sessions stay resolvable by file so override
				// repair can tell "hidden" apart from "gone".
				fileBySession[sess.CompositeKey()] = sess.SourceFile
				if sess.Deleted {
					continue
				}
				sessions = append(sessions, sess)
			}
		}
	}

	projects := groupSessions(sessions)

	i.mu.Lock()
	var fresh []models.CodingCliSession
	for _, sess := range sessions {
		key := sess.CompositeKey()
		if _, seen := i.known[key]; !seen {
			i.known[key] = struct{}{}
			fresh = append(fresh, sess)
		}
	}
	notifyNew := i.initialized
	i.initialized = true
	i.projects = projects
	i.fileBySession = fileBySession
	i.mu.Unlock()

	i.subMu.Lock()
	subs := make([]Subscriber, 0, len(i.subs))
	for _, sub := range i.subs {
		subs = append(subs, sub)
	}
	i.subMu.Unlock()

	for _, sub := range subs {
		sub.OnUpdate(projects)
		if notifyNew {
			for _, sess := range fresh {
				sub.OnNewSession(sess)
			}
		}
	}
}

// applyOverride layers stored user edits over the parsed session.
func (i *Indexer) applyOverride(sess *models.CodingCliSession) {
	ov, ok := i.store.SessionOverride(sess.CompositeKey())
	if !ok {
		return
	}
	if ov.Title != nil {
		sess.Title = *ov.Title
	}
	if ov.Summary != nil {
		sess.Summary = *ov.Summary
	}
	if ov.Archived != nil {
		sess.Archived = *ov.Archived
	}
	if ov.Deleted != nil {
		sess.Deleted = *ov.Deleted
	}
}

// watchDirs registers every directory under the storage roots with the
// watcher. fsnotify does not recurse, so nested layout dirs are added
// individually; re-adding an already watched path is harmless.
func (i *Indexer) watchDirs(roots []string) {
	if i.watcher == nil {
		return
	}
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				_ = i.watcher.Add(path)
			}
			return nil
		})
	}
}

// groupSessions builds the project snapshot: sessions newest-first within a
// project, projects ordered by their most recent session.
func groupSessions(sessions []models.CodingCliSession) []models.ProjectGroup {
	byProject := make(map[string][]models.CodingCliSession)
	for _, sess := range sessions {
		key := sess.ProjectPath
		if key == "" {
			key = "(unknown)"
		}
		byProject[key] = append(byProject[key], sess)
	}

	groups := make([]models.ProjectGroup, 0, len(byProject))
	for path, list := range byProject {
		sort.Slice(list, func(a, b int) bool {
			return list[a].UpdatedAt.After(list[b].UpdatedAt)
		})
		groups = append(groups, models.ProjectGroup{
			ProjectPath: path,
			Color:       projectColor(path),
			Sessions:    list,
		})
	}

	sort.Slice(groups, func(a, b int) bool {
		ta := groups[a].Sessions[0].UpdatedAt
		tb := groups[b].Sessions[0].UpdatedAt
		if ta.Equal(tb) {
			return groups[a].ProjectPath < groups[b].ProjectPath
		}
		return ta.After(tb)
	})
	return groups
}

var projectPalette = []string{
	"#4f9cf9", "#34d399", "#f59e0b", "#f472b6",
	"#a78bfa", "#fb7185", "#2dd4bf", "#fbbf24",
}

// projectColor assigns a stable display color per project path.
func projectColor(path string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return projectPalette[h.Sum32()%uint32(len(projectPalette))]
}
