// Package participants keeps the display-ready view of who is in the room.
package participants

import (
	"maps"
	"slices"
	"sync"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/stream"
)

// Registry is the de-duplicated set of remote feeds. It is updated from the
// same events the room orchestrator consumes and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	feeds map[domain.FeedID]domain.Feed
	self  domain.FeedID

	changes *stream.Hub[[]domain.Feed]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		feeds:   make(map[domain.FeedID]domain.Feed),
		changes: stream.NewHub[[]domain.Feed](),
	}
}

// SetSelf records the local publisher id. It is never listed.
func (r *Registry) SetSelf(id domain.FeedID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.self = id
	if _, ok := r.feeds[id]; ok {
		delete(r.feeds, id)
		r.publishLocked()
	}
}

// ApplySnapshot replaces the registry content with feeds.
func (r *Registry) ApplySnapshot(feeds []domain.Feed) {
	next := make(map[domain.FeedID]domain.Feed, len(feeds))
	for _, f := range feeds {
		next[f.ID] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.self != 0 {
		delete(next, r.self)
	}
	if maps.Equal(r.feeds, next) {
		return
	}
	r.feeds = next
	r.publishLocked()
}

// Upsert adds or replaces feed.
func (r *Registry) Upsert(feed domain.Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.self != 0 && feed.ID == r.self {
		return
	}
	if cur, ok := r.feeds[feed.ID]; ok && cur == feed {
		return
	}
	r.feeds[feed.ID] = feed
	r.publishLocked()
}

// EnsurePublisher marks id as publishing, adding a bare entry if unknown.
func (r *Registry) EnsurePublisher(id domain.FeedID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.self != 0 && id == r.self {
		return
	}
	cur, ok := r.feeds[id]
	if ok && cur.IsPublisher {
		return
	}
	cur.ID = id
	cur.IsPublisher = true
	r.feeds[id] = cur
	r.publishLocked()
}

// Remove drops id and reports whether it was present.
func (r *Registry) Remove(id domain.FeedID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.feeds[id]; !ok {
		return false
	}
	delete(r.feeds, id)
	r.publishLocked()
	return true
}

// SetTalking updates the voice activity flag of a known feed.
func (r *Registry) SetTalking(id domain.FeedID, talking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.feeds[id]
	if !ok || cur.IsTalking == talking {
		return
	}
	cur.IsTalking = talking
	r.feeds[id] = cur
	r.publishLocked()
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.feeds) == 0 {
		return
	}
	r.feeds = make(map[domain.FeedID]domain.Feed)
	r.publishLocked()
}

// Get returns the feed with id.
func (r *Registry) Get(id domain.FeedID) (domain.Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[id]
	return f, ok
}

// Feeds returns every feed ordered by id.
func (r *Registry) Feeds() []domain.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Publishers returns the ids of publishing feeds in ascending order.
func (r *Registry) Publishers() []domain.FeedID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.FeedID, 0, len(r.feeds))
	for id, f := range r.feeds {
		if f.IsPublisher {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Changes subscribes to snapshots published after every mutation.
func (r *Registry) Changes() *stream.Subscription[[]domain.Feed] {
	return r.changes.Subscribe()
}

// Close ends every change subscription.
func (r *Registry) Close() {
	r.changes.Close()
}

func (r *Registry) sortedLocked() []domain.Feed {
	out := slices.Collect(maps.Values(r.feeds))
	slices.SortFunc(out, func(a, b domain.Feed) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) publishLocked() {
	r.changes.Publish(r.sortedLocked())
}
