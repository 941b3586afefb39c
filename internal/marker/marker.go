// Package marker turns a user "mark" event into an immutable clip time range
// inside the live buffer, waiting for the buffer to catch up first.
package marker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

var (
	ErrBufferTimeout = errors.New("buffer did not catch up before timeout")
	ErrClipTooShort  = errors.New("clip window is empty")
	ErrNoSession     = errors.New("no active capture session")
)

// State tracks one mark request.
type State int

const (
	StateIdle State = iota
	StateAwaitingBuffer
	StateResolved
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBuffer:
		return "awaiting_buffer"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Source is the read side of a buffer session the marker needs.
type Source interface {
	StartedAt() time.Time
	DurationMs() int64
	LastTimestampMs() (int64, bool)
}

// ClipMarker is an immutable clip range on the session timeline.
type ClipMarker struct {
	ID               string    `json:"id"`
	StartMs          int64     `json:"start_ms"`
	EndMs            int64     `json:"end_ms"`
	MarkedAt         time.Time `json:"marked_at"`
	SessionStartedAt time.Time `json:"session_started_at"`
}

// DurationMs is EndMs-StartMs.
func (m ClipMarker) DurationMs() int64 {
	return m.EndMs - m.StartMs
}

// Options tune the wait loop.
type Options struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	SafetyMargin  time.Duration
	AwaitPostRoll bool
	Now           func() time.Time
	Logger        *slog.Logger
}

// Marker resolves mark requests against a buffer.
type Marker struct {
	poll          time.Duration
	timeout       time.Duration
	safetyMargin  int64
	awaitPostRoll bool
	now           func() time.Time
	logger        *slog.Logger

	pending atomic.Int32
}

// New creates a Marker, filling zero options with defaults.
func New(opts Options) *Marker {
	m := &Marker{
		poll:          opts.PollInterval,
		timeout:       opts.Timeout,
		safetyMargin:  opts.SafetyMargin.Milliseconds(),
		awaitPostRoll: opts.AwaitPostRoll,
		now:           opts.Now,
		logger:        opts.Logger,
	}
	if m.poll <= 0 {
		m.poll = 50 * time.Millisecond
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = logging.WithComponent(m.logger, "marker")
	return m
}

// Pending returns how many mark requests are waiting on the buffer.
func (m *Marker) Pending() int {
	return int(m.pending.Load())
}

// MarkClip computes a clip window of preMs before and postMs after now. It
// polls the buffer until it holds at least postMs+safetyMargin of media (and,
// when post-roll waiting is enabled, until it has reached now+postMs), then
// clamps the window to what is buffered. A zero timeout uses the default.
func (m *Marker) MarkClip(ctx context.Context, src Source, preMs, postMs int64, timeout time.Duration) (ClipMarker, error) {
	if src == nil {
		return ClipMarker{}, ErrNoSession
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	markedAt := m.now()
	sessionStart := src.StartedAt()
	relativeNow := markedAt.Sub(sessionStart).Milliseconds()
	desiredEnd := relativeNow + postMs

	state := StateAwaitingBuffer
	m.pending.Add(1)
	defer m.pending.Add(-1)

	m.logger.Debug("mark requested",
		"relative_now_ms", relativeNow,
		"pre_ms", preMs,
		"post_ms", postMs,
		"state", state.String(),
	)

	ready := func() bool {
		if src.DurationMs() < postMs+m.safetyMargin {
			return false
		}
		if !m.awaitPostRoll {
			return true
		}
		last, ok := src.LastTimestampMs()
		return ok && last >= desiredEnd
	}

	if !ready() {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		ticker := time.NewTicker(m.poll)
		defer ticker.Stop()

	wait:
		for {
			select {
			case <-ctx.Done():
				return ClipMarker{}, ctx.Err()
			case <-deadline.C:
				state = StateTimedOut
				m.logger.Warn("mark timed out waiting for buffer",
					"state", state.String(),
					"buffered_ms", src.DurationMs(),
					"needed_ms", postMs+m.safetyMargin,
					"timeout", timeout.String(),
				)
				return ClipMarker{}, ErrBufferTimeout
			case <-ticker.C:
				if ready() {
					break wait
				}
			}
		}
	}

	// The end is clamped on the session timeline: to the newest chunk
	// timestamp, not to DurationMs, which shrinks when the first chunk
	// arrives late or the head is evicted.
	bufferedEnd, _ := src.LastTimestampMs()
	startMs := max(0, relativeNow-preMs)
	endMs := min(desiredEnd, bufferedEnd)
	if startMs >= endMs {
		return ClipMarker{}, ErrClipTooShort
	}

	state = StateResolved
	cm := ClipMarker{
		ID:               uuid.NewString(),
		StartMs:          startMs,
		EndMs:            endMs,
		MarkedAt:         markedAt,
		SessionStartedAt: sessionStart,
	}

	m.logger.Info("clip marked",
		"clip_id", cm.ID,
		"start_ms", cm.StartMs,
		"end_ms", cm.EndMs,
		"state", state.String(),
	)
	return cm, nil
}
