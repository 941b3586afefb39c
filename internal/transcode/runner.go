package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	maxLineBytes   = 1024 * 1024
)

// Runner executes transcoder and prober commands as subprocesses.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (ExitResult, error)
}

// ExecRunner is the production Runner. It has no timeout of its own;
// callers bound a run through ctx.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logging.WithComponent(logger, "transcode")}
}

// Run spawns inv.Binary and waits for it to exit. A non-zero exit is
// reported in the result, not as an error; use Check to convert it.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (ExitResult, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	if inv.Stdout != nil {
		cmd.Stdout = inv.Stdout
	} else {
		cmd.Stdout = io.Discard
	}

	// Orphaned grandchildren may hold stderr open after a kill.
	cmd.WaitDelay = 2 * time.Second

	var stderrBuf bytes.Buffer
	pr, pw := io.Pipe()
	cmd.Stderr = io.MultiWriter(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes}, pw)

	r.logger.Debug("executing command",
		"binary", inv.Binary,
		"args", inv.Args,
	)

	if err := cmd.Start(); err != nil {
		pw.Close()
		r.logger.Error("command failed to start", "binary", inv.Binary, "error", err)
		return ExitResult{ExitCode: -1, Duration: time.Since(start)}, &ProcessSpawnError{Binary: inv.Binary, Err: err}
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		feedLines(pr, inv.OnProgressLine)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanDone
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := ExitResult{
		ExitCode:   exitCode,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}

	if exitCode != 0 {
		r.logger.Warn("command failed",
			"binary", inv.Binary,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	} else {
		r.logger.Debug("command succeeded",
			"binary", inv.Binary,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// feedLines splits r on line or carriage-return boundaries and hands each
// non-empty line to fn. The reader is always drained to EOF.
func feedLines(r io.Reader, fn func(string)) {
	if fn == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(ScanLinesOrCR)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// ScanLinesOrCR is a bufio.SplitFunc that ends a token at \n or \r. The
// transcoder rewrites its progress line in place with \r.
func ScanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var progressTimeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)

// ParseProgress extracts the time=HH:MM:SS.ms marker from a progress line.
func ParseProgress(line string) (time.Duration, bool) {
	m := progressTimeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])

	var ms int
	if frac := m[4]; frac != "" {
		frac = (frac + "000")[:3]
		ms, _ = strconv.Atoi(frac)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs)*time.Second +
		time.Duration(ms)*time.Millisecond, true
}

// Percent converts a progress position into 0..100 of total.
func Percent(pos, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(pos) / float64(total) * 100
	return min(max(p, 0), 100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// TailLines returns the last n non-empty lines of s.
func TailLines(s string, n int) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
