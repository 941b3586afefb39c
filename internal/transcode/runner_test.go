package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// writeScript creates an executable shell script standing in for a binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-bin")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExitResult_IsSuccess(t *testing.T) {
	tests := []struct {
		exitCode int
		want     bool
	}{
		{0, true},
		{1, false},
		{-1, false},
		{127, false},
	}
	for _, tt := range tests {
		r := ExitResult{ExitCode: tt.exitCode}
		if got := r.IsSuccess(); got != tt.want {
			t.Errorf("ExitResult{ExitCode: %d}.IsSuccess() = %v, want %v", tt.exitCode, got, tt.want)
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check(ExitResult{ExitCode: 0}); err != nil {
		t.Fatalf("Check(0) = %v, want nil", err)
	}

	err := Check(ExitResult{ExitCode: 3, StderrTail: "boom"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Check(3) = %T, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if err.Error() != "process exited with code 3" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	if got, want := buf.String(), " test data"; got != want {
		t.Errorf("after overflow got %q, want %q", got, want)
	}
}

func TestLimitedWriter_ExactLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("12345"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("Write returned %d, want 5", n)
	}
	if buf.String() != "12345" {
		t.Errorf("got %q, want %q", buf.String(), "12345")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestScanLinesOrCR(t *testing.T) {
	input := "first\rsecond\nthird\r\nlast"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(ScanLinesOrCR)

	var got []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			got = append(got, scanner.Text())
		}
	}
	want := []string{"first", "second", "third", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("tokens = %q, want %q", got, want)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want time.Duration
		ok   bool
	}{
		{"frame=  10 fps=0.0 q=-1.0 size=256kB time=00:00:01.50 bitrate=N/A", 1500 * time.Millisecond, true},
		{"time=01:02:03.004", time.Hour + 2*time.Minute + 3*time.Second + 4*time.Millisecond, true},
		{"time=00:00:07", 7 * time.Second, true},
		{"time=N/A speed=N/A", 0, false},
		{"Input #0, mpegts, from 'in.ts':", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseProgress(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseProgress(%q) = (%v, %v), want (%v, %v)", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(5*time.Second, 10*time.Second); got != 50 {
		t.Errorf("Percent = %v, want 50", got)
	}
	if got := Percent(20*time.Second, 10*time.Second); got != 100 {
		t.Errorf("Percent overshoot = %v, want 100", got)
	}
	if got := Percent(time.Second, 0); got != 0 {
		t.Errorf("Percent zero total = %v, want 0", got)
	}
}

func TestExecRunner_ProgressAndStdout(t *testing.T) {
	bin := writeScript(t, `echo "payload"
printf 'frame=1 time=00:00:01.00\rframe=2 time=00:00:02.00\r' >&2
echo "done" >&2
exit 0`)

	var lines []string
	var stdout bytes.Buffer
	r := NewExecRunner(logging.Discard())
	result, err := r.Run(context.Background(), Invocation{
		Binary:         bin,
		OnProgressLine: func(l string) { lines = append(lines, l) },
		Stdout:         &stdout,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.IsSuccess() {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if strings.TrimSpace(stdout.String()) != "payload" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if len(lines) != 3 {
		t.Fatalf("progress lines = %q, want 3", lines)
	}
	if d, ok := ParseProgress(lines[1]); !ok || d != 2*time.Second {
		t.Errorf("second progress line parsed to %v, %v", d, ok)
	}
	if !strings.Contains(result.StderrTail, "done") {
		t.Errorf("stderr tail = %q", result.StderrTail)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	bin := writeScript(t, `echo "encoder exploded" >&2
exit 4`)

	result, err := NewExecRunner(logging.Discard()).Run(context.Background(), Invocation{Binary: bin})
	if err != nil {
		t.Fatalf("Run returned error for non-zero exit: %v", err)
	}
	if result.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", result.ExitCode)
	}
	if !strings.Contains(result.StderrTail, "encoder exploded") {
		t.Errorf("stderr tail = %q", result.StderrTail)
	}
	if Check(result) == nil {
		t.Error("Check should fail for exit 4")
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := NewExecRunner(logging.Discard()).Run(context.Background(), Invocation{
		Binary: filepath.Join(t.TempDir(), "no-such-binary"),
	})
	var spawnErr *ProcessSpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want *ProcessSpawnError", err)
	}
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Error("spawn error should match ErrBinaryNotFound")
	}
}

func TestExecRunner_ContextCancel(t *testing.T) {
	bin := writeScript(t, `exec sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecRunner(logging.Discard()).Run(ctx, Invocation{Binary: bin})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("run was not cancelled promptly")
	}
}

func TestTailLines(t *testing.T) {
	if got := TailLines("a\nb\r\nc\n", 2); got != "b\nc" {
		t.Errorf("TailLines = %q", got)
	}
}
