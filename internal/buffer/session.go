// Package buffer holds the rolling, time-windowed record of captured media
// chunks for one capture run.
package buffer

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrSessionInactive = errors.New("buffer session is not active")
	ErrOutOfOrder      = errors.New("chunk timestamp precedes last buffered chunk")
)

// Chunk is one timestamped unit of captured media. TimestampMs is relative
// to the owning session's start.
type Chunk struct {
	Payload     []byte
	TimestampMs int64
}

// Stats is a point-in-time summary of a session.
type Stats struct {
	Active      bool      `json:"active"`
	StartedAt   time.Time `json:"started_at"`
	Chunks      int       `json:"chunks"`
	Bytes       int64     `json:"bytes"`
	FirstMs     int64     `json:"first_ms"`
	LastMs      int64     `json:"last_ms"`
	DurationMs  int64     `json:"duration_ms"`
	PinnedCount int       `json:"pinned_count"`
}

type pinRange struct {
	startMs int64
	endMs   int64
}

// Session is the live buffer for one capture run. All methods are safe for
// concurrent use by the capture producer, the marker and export consumers,
// and the eviction janitor.
type Session struct {
	startedAt time.Time
	retention time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	chunks []Chunk
	bytes  int64
	active bool
	pins   map[uint64]pinRange
	pinSeq uint64
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession starts an active session with the given retention window.
func NewSession(retention time.Duration, opts ...Option) *Session {
	s := &Session{
		retention: retention,
		now:       time.Now,
		active:    true,
		pins:      make(map[uint64]pinRange),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

// StartedAt is the wall-clock instant the session began.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Retention returns the configured retention window.
func (s *Session) Retention() time.Duration {
	return s.retention
}

// RelativeNow is the current time in milliseconds since the session started.
func (s *Session) RelativeNow() int64 {
	return s.now().Sub(s.startedAt).Milliseconds()
}

// Active reports whether the session still accepts chunks.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Append adds a chunk at the tail. Timestamps must be non-decreasing.
func (s *Session) Append(c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrSessionInactive
	}
	if n := len(s.chunks); n > 0 && c.TimestampMs < s.chunks[n-1].TimestampMs {
		return ErrOutOfOrder
	}

	s.chunks = append(s.chunks, c)
	s.bytes += int64(len(c.Payload))
	return nil
}

// DurationMs is the span between the first and last buffered chunk, or 0
// with fewer than two chunks.
func (s *Session) DurationMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() int64 {
	if len(s.chunks) < 2 {
		return 0
	}
	return s.chunks[len(s.chunks)-1].TimestampMs - s.chunks[0].TimestampMs
}

// LastTimestampMs returns the newest chunk timestamp and whether any exists.
func (s *Session) LastTimestampMs() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chunks) == 0 {
		return 0, false
	}
	return s.chunks[len(s.chunks)-1].TimestampMs, true
}

// Slice returns the chunks whose timestamps fall inside
// [max(0, startMs-paddingMs), endMs+paddingMs], in timestamp order. The
// returned slice is a copy; payload bytes are shared and must not be mutated.
func (s *Session) Slice(startMs, endMs, paddingMs int64) []Chunk {
	lo := max(0, startMs-paddingMs)
	hi := endMs + paddingMs
	if hi < lo {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	first := sort.Search(len(s.chunks), func(i int) bool {
		return s.chunks[i].TimestampMs >= lo
	})
	last := sort.Search(len(s.chunks), func(i int) bool {
		return s.chunks[i].TimestampMs > hi
	})
	if first >= last {
		return nil
	}

	out := make([]Chunk, last-first)
	copy(out, s.chunks[first:last])
	return out
}

// Pin protects [startMs, endMs] from eviction until the returned release
// function is called. Release is idempotent.
func (s *Session) Pin(startMs, endMs int64) (release func()) {
	s.mu.Lock()
	s.pinSeq++
	id := s.pinSeq
	s.pins[id] = pinRange{startMs: startMs, endMs: endMs}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.pins, id)
			s.mu.Unlock()
		})
	}
}

// Evict drops chunks older than RelativeNow()-retention. Chunks at or after
// the start of any pinned range are kept, along with everything newer, so
// the buffer stays contiguous. Returns the number of chunks dropped.
func (s *Session) Evict() int {
	cutoff := s.RelativeNow() - s.retention.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pins {
		if p.startMs < cutoff {
			cutoff = p.startMs
		}
	}

	n := sort.Search(len(s.chunks), func(i int) bool {
		return s.chunks[i].TimestampMs >= cutoff
	})
	if n == 0 {
		return 0
	}

	for _, c := range s.chunks[:n] {
		s.bytes -= int64(len(c.Payload))
	}
	// Copy the survivors so the evicted payloads become collectable.
	remaining := make([]Chunk, len(s.chunks)-n)
	copy(remaining, s.chunks[n:])
	s.chunks = remaining
	return n
}

// Close marks the session inactive and discards all chunks.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.chunks = nil
	s.bytes = 0
	s.pins = make(map[uint64]pinRange)
}

// Stats returns a snapshot summary.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Active:      s.active,
		StartedAt:   s.startedAt,
		Chunks:      len(s.chunks),
		Bytes:       s.bytes,
		DurationMs:  s.durationLocked(),
		PinnedCount: len(s.pins),
	}
	if len(s.chunks) > 0 {
		st.FirstMs = s.chunks[0].TimestampMs
		st.LastMs = s.chunks[len(s.chunks)-1].TimestampMs
	}
	return st
}
