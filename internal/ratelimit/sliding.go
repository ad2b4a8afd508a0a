// Package ratelimit provides the per-caller sliding-window limiter that
// guards note generation.
//
// Windows are held in process memory. Several server processes each keep
// independent windows, so a horizontally scaled deployment admits up to
// (processes x limit) requests per window for one caller.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests admitted per window.
	DefaultLimit = 10
	// DefaultWindow is the window length.
	DefaultWindow = 60 * time.Second

	shardCount = 32
)

// Config configures a SlidingWindow.
type Config struct {
	Limit  int
	Window time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Decision is the result of a limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest request leaves the window.
	// Zero when the request was allowed.
	RetryAfter time.Duration
	// ResetAt is when the window will be empty if no further requests arrive.
	ResetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// SlidingWindow admits at most Limit requests per identifier in any span of
// Window. Identifiers are spread over lock shards; check-and-record is atomic
// per identifier.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [shardCount]*shard
}

// New creates a SlidingWindow. Non-positive values fall back to the defaults.
func New(cfg Config) *SlidingWindow {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sw := &SlidingWindow{
		limit:  cfg.Limit,
		window: cfg.Window,
		now:    cfg.Now,
	}
	for i := range sw.shards {
		sw.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	return sw
}

// Limit returns the configured request limit.
func (sw *SlidingWindow) Limit() int {
	return sw.limit
}

// Window returns the configured window length.
func (sw *SlidingWindow) Window() time.Duration {
	return sw.window
}

// Allow reports whether a request for id is admitted, recording it if so.
func (sw *SlidingWindow) Allow(id string) bool {
	return sw.Check(id).Allowed
}

// Check prunes id's window to [now-window, now] and records now when fewer
// than Limit requests remain in it. Denied requests are not recorded.
func (sw *SlidingWindow) Check(id string) Decision {
	s := sw.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := sw.now()
	times := prune(s.windows[id], now.Add(-sw.window))

	d := Decision{Limit: sw.limit}
	if len(times) < sw.limit {
		times = append(times, now)
		s.windows[id] = times
		d.Allowed = true
		d.Remaining = sw.limit - len(times)
		d.ResetAt = times[0].Add(sw.window)
		return d
	}

	s.windows[id] = times
	// the oldest entry stays in the window through times[0]+window inclusive
	d.RetryAfter = times[0].Add(sw.window).Sub(now) + time.Nanosecond
	d.ResetAt = times[len(times)-1].Add(sw.window)
	return d
}

// Sweep drops identifiers whose windows have emptied and returns how many
// were removed.
func (sw *SlidingWindow) Sweep() int {
	removed := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		cutoff := sw.now().Add(-sw.window)
		for id, times := range s.windows {
			times = prune(times, cutoff)
			if len(times) == 0 {
				delete(s.windows, id)
				removed++
				continue
			}
			s.windows[id] = times
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (sw *SlidingWindow) Len() int {
	n := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

func (sw *SlidingWindow) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return sw.shards[h.Sum32()%shardCount]
}

// prune drops timestamps before cutoff. times is sorted ascending.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	kept := make([]time.Time, len(times)-i)
	copy(kept, times[i:])
	return kept
}
