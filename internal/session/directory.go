package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/goose-companion/internal/logging"
)

var ErrNotFound = errors.New("session not found")

// Directory caches the Goose session list between refreshes.
type Directory struct {
	lister Lister
	log    logging.Logger

	mu          sync.RWMutex
	sessions    map[string]Session
	order       []string
	refreshedAt time.Time
	onRefresh   func([]Session)
}

func NewDirectory(lister Lister) *Directory {
	return &Directory{
		lister:   lister,
		log:      logging.Named("session_directory"),
		sessions: make(map[string]Session),
	}
}

// SetRefreshHook installs a callback invoked with the new list after each
// successful refresh.
func (d *Directory) SetRefreshHook(hook func([]Session)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRefresh = hook
}

// Refresh replaces the cached list with a fresh listing. On error the previous
// list is kept.
func (d *Directory) Refresh(ctx context.Context) error {
	list, err := d.lister.ListSessions(ctx)
	if err != nil {
		return err
	}

	sorted := make([]Session, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})

	byID := make(map[string]Session, len(sorted))
	order := make([]string, 0, len(sorted))
	for _, s := range sorted {
		if s.ID == "" {
			continue
		}
		if _, dup := byID[s.ID]; dup {
			continue
		}
		byID[s.ID] = s
		order = append(order, s.ID)
	}

	d.mu.Lock()
	d.sessions = byID
	d.order = order
	d.refreshedAt = time.Now().UTC()
	hook := d.onRefresh
	d.mu.Unlock()

	if hook != nil {
		hook(d.List())
	}
	return nil
}

// List returns sessions, most recently updated first.
func (d *Directory) List() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Session, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.sessions[id])
	}
	return out
}

func (d *Directory) Get(sessionID string) (Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

func (d *Directory) RefreshedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.refreshedAt
}

// StartRefresher refreshes the list every interval until ctx is done.
func (d *Directory) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
					d.log.Warnw("session list refresh failed", "error", err)
				}
			}
		}
	}()
}
