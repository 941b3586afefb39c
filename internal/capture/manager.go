package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/events"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

var (
	ErrUnknownSource = errors.New("unknown capture source")
	ErrNotCapturing  = errors.New("capture is not running")
)

// SourceInfo describes a source for listings.
type SourceInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Status is a snapshot of the capture state.
type Status struct {
	Running   bool          `json:"running"`
	SourceID  string        `json:"source_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Buffer    *buffer.Stats `json:"buffer,omitempty"`
}

// Manager owns the single active buffer session. Starting a capture
// replaces and closes any previous session.
type Manager struct {
	sources   []Source
	retention time.Duration
	logger    *slog.Logger

	// lifecycle serializes Start and Stop so a replaced session is always
	// torn down before the next one is installed.
	lifecycle sync.Mutex

	mu        sync.Mutex
	session   *buffer.Session
	sourceID  string
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	lastError error

	events Publisher
}

// Publisher receives capture lifecycle events.
type Publisher interface {
	Publish(typ string, data any)
}

func NewManager(sources []Source, retention time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		sources:   sources,
		retention: retention,
		logger:    logging.WithComponent(logger, "capture"),
	}
}

// SetPublisher routes capture.started and capture.stopped events to pub.
func (m *Manager) SetPublisher(pub Publisher) {
	m.mu.Lock()
	m.events = pub
	m.mu.Unlock()
}

func (m *Manager) publish(typ string, data map[string]any) {
	m.mu.Lock()
	pub := m.events
	m.mu.Unlock()
	if pub != nil {
		pub.Publish(typ, data)
	}
}

// Sources lists the configured sources.
func (m *Manager) Sources() []SourceInfo {
	out := make([]SourceInfo, 0, len(m.sources))
	for _, s := range m.sources {
		out = append(out, SourceInfo{ID: s.ID(), DisplayName: s.DisplayName()})
	}
	return out
}

// Source looks a source up by id.
func (m *Manager) Source(id string) (Source, bool) {
	for _, s := range m.sources {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Start begins capturing sourceID into a new session. An empty id picks
// the first source.
func (m *Manager) Start(ctx context.Context, sourceID string) (*buffer.Session, error) {
	if sourceID == "" && len(m.sources) > 0 {
		sourceID = m.sources[0].ID()
	}
	src, ok := m.Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stop()

	sess := buffer.NewSession(m.retention)
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.session = sess
	m.sourceID = sourceID
	m.cancel = cancel
	m.done = done
	m.running = true
	m.lastError = nil
	m.mu.Unlock()

	m.logger.Info("capture started", "source_id", sourceID, "retention", m.retention.String())
	m.publish(events.TypeCaptureStarted, map[string]any{"source_id": sourceID})

	go func() {
		defer close(done)
		err := src.Stream(streamCtx, func(block []byte) {
			if err := sess.Append(buffer.Chunk{Payload: block, TimestampMs: sess.RelativeNow()}); err != nil &&
				!errors.Is(err, buffer.ErrSessionInactive) {
				m.logger.Warn("dropped capture block", "error", err)
			}
		})

		m.mu.Lock()
		if m.session == sess {
			m.running = false
			m.lastError = err
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Error("capture stopped unexpectedly", "source_id", sourceID, "error", err)
			m.publish(events.TypeCaptureStopped, map[string]any{"source_id": sourceID, "error": err.Error()})
			return
		}
		m.logger.Info("capture stream ended", "source_id", sourceID)
	}()

	return sess, nil
}

// Stop ends the capture and discards the session. Exports already running
// have materialized their input and are unaffected.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.stop()
}

func (m *Manager) stop() error {
	m.mu.Lock()
	sess, cancel, done, sourceID := m.session, m.cancel, m.done, m.sourceID
	m.session, m.cancel, m.done = nil, nil, nil
	m.running = false
	m.sourceID = ""
	m.mu.Unlock()

	if sess == nil {
		return ErrNotCapturing
	}
	cancel()
	<-done
	sess.Close()
	m.logger.Info("capture stopped")
	m.publish(events.TypeCaptureStopped, map[string]any{"source_id": sourceID})
	return nil
}

// Session is the current session, or nil.
func (m *Manager) Session() *buffer.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SourceID is the source being captured, or "".
func (m *Manager) SourceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceID
}

// Running reports whether the capture process is still producing.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Running: m.running, SourceID: m.sourceID}
	if m.lastError != nil {
		st.LastError = m.lastError.Error()
	}
	if m.session != nil {
		stats := m.session.Stats()
		st.Buffer = &stats
	}
	return st
}
