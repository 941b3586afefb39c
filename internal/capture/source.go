// Package capture feeds live media from a capture source into the rolling
// buffer session.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

// tsPacket is the MPEG-TS packet size. Chunks are whole packets so each
// payload can be concatenated back into a valid stream.
const tsPacket = 188

// DefaultBlockSize is 512 TS packets.
const DefaultBlockSize = tsPacket * 512

// Source is a capturable screen, window or device.
type Source interface {
	ID() string
	DisplayName() string
	Thumbnail() []byte
	// Stream emits media blocks until ctx ends or the source fails. A
	// cancelled ctx is a clean stop and returns nil.
	Stream(ctx context.Context, emit func([]byte)) error
}

// FFmpegSource captures with the transcoder, muxing H.264/AAC into MPEG-TS
// on stdout.
type FFmpegSource struct {
	id        string
	name      string
	ffmpeg    string
	inputArgs []string
	blockSize int
	runner    transcode.Runner
}

// NewFFmpegSource creates a source. inputArgs select the grab device, for
// example "-f x11grab -i :0.0". blockSize is rounded down to whole packets.
func NewFFmpegSource(id, name, ffmpeg string, inputArgs []string, blockSize int, runner transcode.Runner) *FFmpegSource {
	blockSize -= blockSize % tsPacket
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &FFmpegSource{
		id:        id,
		name:      name,
		ffmpeg:    ffmpeg,
		inputArgs: inputArgs,
		blockSize: blockSize,
		runner:    runner,
	}
}

func (s *FFmpegSource) ID() string          { return s.id }
func (s *FFmpegSource) DisplayName() string { return s.name }

// Thumbnail grabs a single PNG frame, or nil when the grab fails.
func (s *FFmpegSource) Thumbnail() []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	args := append([]string{"-hide_banner", "-nostdin", "-loglevel", "error"}, s.inputArgs...)
	args = append(args, "-frames:v", "1", "-vf", "scale=320:-2", "-f", "image2", "-c:v", "png", "pipe:1")
	res, err := s.runner.Run(ctx, transcode.Invocation{Binary: s.ffmpeg, Args: args, Stdout: &out})
	if err != nil || !res.IsSuccess() {
		return nil
	}
	return out.Bytes()
}

// StreamArgs is the capture command line.
func (s *FFmpegSource) StreamArgs() []string {
	args := append([]string{"-hide_banner", "-nostdin", "-loglevel", "error"}, s.inputArgs...)
	return append(args,
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-g", "60", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-f", "mpegts", "pipe:1",
	)
}

func (s *FFmpegSource) Stream(ctx context.Context, emit func([]byte)) error {
	w := &blockWriter{size: s.blockSize, emit: emit}
	res, err := s.runner.Run(ctx, transcode.Invocation{
		Binary: s.ffmpeg,
		Args:   s.StreamArgs(),
		Stdout: w,
	})
	w.Flush()

	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s: %w", s.id, err)
	}
	if err := transcode.Check(res); err != nil {
		return fmt.Errorf("capture %s: %w", s.id, err)
	}
	return nil
}

// blockWriter regroups arbitrary writes into fixed-size blocks.
type blockWriter struct {
	size int
	buf  []byte
	emit func([]byte)
}

func (w *blockWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.size {
		block := make([]byte, w.size)
		copy(block, w.buf[:w.size])
		w.emit(block)
		w.buf = w.buf[w.size:]
	}
	return len(p), nil
}

// Flush emits the remaining whole packets.
func (w *blockWriter) Flush() {
	n := len(w.buf) - len(w.buf)%tsPacket
	if n > 0 {
		block := make([]byte, n)
		copy(block, w.buf[:n])
		w.emit(block)
	}
	w.buf = nil
}
