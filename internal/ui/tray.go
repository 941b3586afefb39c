// Package ui puts the clipper in the system tray: mark a clip, toggle
// capture and pause exports without opening the API.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// Marker marks clips.
type Marker interface {
	MarkClip(ctx context.Context, req catalog.MarkRequest) (*catalog.Clip, error)
}

// CaptureControl starts and stops the capture.
type CaptureControl interface {
	Start(ctx context.Context, sourceID string) (*buffer.Session, error)
	Stop() error
	Status() capture.Status
}

// ExportControl pauses and resumes the export queue.
type ExportControl interface {
	Pause()
	Resume()
	IsPaused() bool
	Status() catalog.RunnerStatus
}

const defaultRefresh = 2 * time.Second

type Tray struct {
	marker   Marker
	captures CaptureControl
	runner   ExportControl
	ctx      context.Context
	refresh  time.Duration
	logger   *slog.Logger
	onQuit   func()

	statusItem  *systray.MenuItem
	markItem    *systray.MenuItem
	captureItem *systray.MenuItem
	pauseItem   *systray.MenuItem

	mu     sync.Mutex
	notice string
}

type TrayConfig struct {
	Marker   Marker
	Captures CaptureControl
	Runner   ExportControl
	Logger   *slog.Logger
	OnQuit   func()

	// Context bounds captures started from the tray.
	Context context.Context
	Refresh time.Duration
}

func NewTray(cfg TrayConfig) *Tray {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tray{
		marker:   cfg.Marker,
		captures: cfg.Captures,
		runner:   cfg.Runner,
		ctx:      ctx,
		refresh:  refresh,
		logger:   logging.WithComponent(logger, "tray"),
		onQuit:   cfg.OnQuit,
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(trayIcon())
	systray.SetTitle("Clipper")
	systray.SetTooltip("Heimdex Clipper")

	t.statusItem = systray.AddMenuItem("Idle", "Capture and export status")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.markItem = systray.AddMenuItem("Mark Clip", "Save the moments around now")
	t.captureItem = systray.AddMenuItem("Start Capture", "Start or stop buffering")
	t.pauseItem = systray.AddMenuItem("Pause Exports", "Hold queued exports")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Clipper")

	t.refreshMenu()

	go func() {
		ticker := time.NewTicker(t.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-t.markItem.ClickedCh:
				go t.markClip()
			case <-t.captureItem.ClickedCh:
				t.toggleCapture()
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-ticker.C:
				t.refreshMenu()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			case <-t.ctx.Done():
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) markClip() {
	if t.marker == nil {
		return
	}
	t.setNotice("Marking clip...")

	clip, err := t.marker.MarkClip(t.ctx, catalog.MarkRequest{})
	if err != nil {
		t.logger.Warn("mark from tray failed", "error", err)
		t.setNotice(markFailedNotice(err))
		return
	}
	t.logger.Info("clip marked from tray", "clip_id", clip.ID, "duration_ms", clip.DurationMs())
	t.setNotice(fmt.Sprintf("Clip marked (%s)", formatDuration(clip.DurationMs())))
}

func (t *Tray) toggleCapture() {
	if t.captures == nil {
		return
	}
	if t.captures.Status().Running {
		if err := t.captures.Stop(); err != nil && !errors.Is(err, capture.ErrNotCapturing) {
			t.logger.Error("stop capture from tray failed", "error", err)
		}
		t.setNotice("")
	} else if _, err := t.captures.Start(t.ctx, ""); err != nil {
		t.logger.Error("start capture from tray failed", "error", err)
		t.setNotice("Capture failed to start")
	} else {
		t.setNotice("")
	}
	t.refreshMenu()
}

func (t *Tray) togglePause() {
	if t.runner == nil {
		return
	}
	if t.runner.IsPaused() {
		t.runner.Resume()
	} else {
		t.runner.Pause()
	}
	t.refreshMenu()
}

func (t *Tray) setNotice(s string) {
	t.mu.Lock()
	t.notice = s
	t.mu.Unlock()
	t.refreshMenu()
}

// refreshMenu redraws titles from current state. A pending notice wins over
// the computed status line until it is replaced.
func (t *Tray) refreshMenu() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem == nil {
		return
	}

	var cs capture.Status
	if t.captures != nil {
		cs = t.captures.Status()
	}
	var rs catalog.RunnerStatus
	if t.runner != nil {
		rs = t.runner.Status()
	}

	line := statusLine(cs, rs)
	if t.notice != "" {
		line = t.notice
	}
	t.statusItem.SetTitle(line)
	systray.SetTooltip("Heimdex Clipper: " + line)

	t.captureItem.SetTitle(captureTitle(cs))
	t.pauseItem.SetTitle(pauseTitle(rs))
	if cs.Buffer != nil && cs.Buffer.Active {
		t.markItem.Enable()
	} else {
		t.markItem.Disable()
	}
}

// statusLine summarizes capture and queue state in one menu line.
func statusLine(cs capture.Status, rs catalog.RunnerStatus) string {
	var line string
	switch {
	case cs.Running && cs.Buffer != nil:
		line = "Buffering " + formatDuration(cs.Buffer.DurationMs)
	case cs.Running:
		line = "Buffering"
	case cs.LastError != "":
		line = "Capture stopped: error"
	default:
		line = "Idle"
	}

	switch {
	case rs.Paused && rs.ExportsQueued > 0:
		line += fmt.Sprintf(" | exports paused (%d queued)", rs.ExportsQueued)
	case rs.Paused:
		line += " | exports paused"
	case rs.ExportRunning:
		line += fmt.Sprintf(" | exporting (%d queued)", rs.ExportsQueued)
	}
	if rs.UploadInProgress || rs.UploadsQueued > 0 {
		line += fmt.Sprintf(" | %d uploading", rs.UploadsQueued+boolInt(rs.UploadInProgress))
	}
	return line
}

func captureTitle(cs capture.Status) string {
	if cs.Running {
		return "Stop Capture"
	}
	return "Start Capture"
}

func pauseTitle(rs catalog.RunnerStatus) string {
	if rs.Paused {
		return "Resume Exports"
	}
	return "Pause Exports"
}

func markFailedNotice(err error) string {
	switch catalog.ErrorCode(err) {
	case catalog.CodeNoSession:
		return "Mark failed: capture is not running"
	case catalog.CodeBufferTimeout:
		return "Mark failed: buffer did not catch up"
	case catalog.CodeClipTooShort:
		return "Mark failed: not enough buffered"
	default:
		return "Mark failed"
	}
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (t *Tray) Quit() {
	systray.Quit()
}
