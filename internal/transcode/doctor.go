package transcode

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL   = 5 * time.Minute
	versionProbeLimit = 10 * time.Second
)

// ToolInfo is the availability of one external binary.
type ToolInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report describes the transcoding toolchain.
type Report struct {
	Transcoder ToolInfo  `json:"transcoder"`
	Prober     ToolInfo  `json:"prober"`
	ProbedAt   time.Time `json:"probed_at"`
}

// Ready reports whether exports can run.
func (r *Report) Ready() bool {
	return r.Transcoder.Available && r.Prober.Available
}

// Doctor probes the transcoder and prober with -version.
type Doctor struct {
	runner      Runner
	ffmpegPath  string
	ffprobePath string
}

// NewDoctor creates a Doctor. Empty paths are reported as unavailable.
func NewDoctor(runner Runner, ffmpegPath, ffprobePath string) *Doctor {
	return &Doctor{runner: runner, ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Run probes both binaries. It never fails; problems land in the report.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	return &Report{
		Transcoder: d.probe(ctx, "ffmpeg", d.ffmpegPath),
		Prober:     d.probe(ctx, "ffprobe", d.ffprobePath),
		ProbedAt:   time.Now(),
	}, nil
}

func (d *Doctor) probe(ctx context.Context, name, path string) ToolInfo {
	info := ToolInfo{Name: name, Path: path}
	if path == "" {
		info.Error = ErrBinaryNotFound.Error()
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, versionProbeLimit)
	defer cancel()

	var stdout bytes.Buffer
	result, err := d.runner.Run(ctx, Invocation{Binary: path, Args: []string{"-version"}, Stdout: &stdout})
	if err == nil {
		err = Check(result)
	}
	if err != nil {
		info.Error = err.Error()
		return info
	}

	info.Available = true
	info.Version, _, _ = strings.Cut(strings.TrimSpace(stdout.String()), "\n")
	return info
}

// DoctorProbe produces a toolchain report.
type DoctorProbe interface {
	Run(ctx context.Context) (*Report, error)
}

// CachedDoctor caches doctor reports for a TTL so /status does not spawn
// processes on every request.
type CachedDoctor struct {
	probe  DoctorProbe
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Report
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(probe DoctorProbe, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		probe:  probe,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns the cached report if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Report, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		r := d.cached
		d.mu.RUnlock()
		return r, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the cached report without probing. It may be nil.
func (d *CachedDoctor) Peek() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.probe.Run(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale doctor report")
			return d.cached, nil
		}
		return nil, err
	}

	d.logger.Info("doctor probe complete",
		"ffmpeg", r.Transcoder.Available,
		"ffprobe", r.Prober.Available,
	)
	d.cached = r
	return r, nil
}

// Invalidate clears the cached report.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
