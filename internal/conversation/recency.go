package conversation

import "time"

// recentLines is an expiring set of lines seen during the current session.
// Entries older than window are evicted lazily; when full, the oldest entry
// is evicted first.
type recentLines struct {
	window time.Duration
	max    int
	now    func() time.Time
	seen   map[string]time.Time
}

func newRecentLines(window time.Duration, max int, now func() time.Time) *recentLines {
	return &recentLines{
		window: window,
		max:    max,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// Seen reports whether line was added within the window.
func (r *recentLines) Seen(line string) bool {
	at, ok := r.seen[line]
	if !ok {
		return false
	}
	if r.now().Sub(at) > r.window {
		delete(r.seen, line)
		return false
	}
	return true
}

// Add records line as seen now.
func (r *recentLines) Add(line string) {
	if _, ok := r.seen[line]; !ok && r.max > 0 && len(r.seen) >= r.max {
		r.sweep()
		if len(r.seen) >= r.max {
			r.evictOldest()
		}
	}
	r.seen[line] = r.now()
}

// sweep drops every expired entry.
func (r *recentLines) sweep() {
	now := r.now()
	for line, at := range r.seen {
		if now.Sub(at) > r.window {
			delete(r.seen, line)
		}
	}
}

func (r *recentLines) evictOldest() {
	var (
		oldest   string
		oldestAt time.Time
		found    bool
	)
	for line, at := range r.seen {
		if !found || at.Before(oldestAt) {
			oldest, oldestAt, found = line, at, true
		}
	}
	if found {
		delete(r.seen, oldest)
	}
}

func (r *recentLines) Len() int { return len(r.seen) }

func (r *recentLines) Reset() { r.seen = make(map[string]time.Time) }
