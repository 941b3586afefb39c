package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"github.com/heimdex/heimdex-clipper/internal/caption"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

const maxNameLen = 120

// DimensionProber reads a video's frame size.
type DimensionProber interface {
	Dimensions(ctx context.Context, path string) (transcode.Dimensions, error)
}

// Options configure a Pipeline.
type Options struct {
	FFmpegPath           string
	TempDir              string
	Strategy             Strategy
	PreserveReshapeTemps bool
	Logger               *slog.Logger
}

// Pipeline runs exports. It holds no per-export state and may be shared,
// but the conversion queue runs one export at a time.
type Pipeline struct {
	runner   transcode.Runner
	prober   DimensionProber
	fonts    *caption.FontBook
	renderer *caption.Renderer
	opts     Options
	logger   *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(runner transcode.Runner, prober DimensionProber, fonts *caption.FontBook, opts Options) *Pipeline {
	if opts.Strategy == "" {
		opts.Strategy = StrategyFilter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		runner:   runner,
		prober:   prober,
		fonts:    fonts,
		renderer: caption.NewRenderer(fonts),
		opts:     opts,
		logger:   logging.WithComponent(opts.Logger, "export"),
	}
}

// Strategy returns the caption strategy in use.
func (p *Pipeline) Strategy() Strategy {
	return p.opts.Strategy
}

// job carries one export through the steps.
type job struct {
	req      Request
	enc      EncodeSettings
	temps    *transcode.TempSet
	logger   *slog.Logger
	progress func(Progress)
	durSec   float64
}

func (j *job) report(stage Stage, pct float64) {
	if j.progress != nil {
		j.progress(Progress{ExportID: j.req.ID, Stage: stage, Percent: pct})
	}
}

// Export runs the full pipeline for req against src and returns the
// finished file. Every intermediate is removed before it returns, except
// reshape intermediates on a failed reshape when PreserveReshapeTemps is set.
func (p *Pipeline) Export(ctx context.Context, src SliceSource, req Request, progress func(Progress)) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if p.opts.FFmpegPath == "" {
		return nil, fmt.Errorf("%w: ffmpeg", transcode.ErrBinaryNotFound)
	}

	logger := logging.WithJobID(p.logger, req.ID)
	j := &job{
		req:      req,
		enc:      req.Encode.WithDefaults(),
		temps:    transcode.NewTempSet(p.opts.TempDir, logger),
		logger:   logger,
		progress: progress,
		durSec:   float64(req.DurationMs()) / 1000,
	}
	defer j.temps.Cleanup()

	start := time.Now()
	logger.Info("export started",
		"start_ms", req.StartMs,
		"end_ms", req.EndMs,
		"captions", len(req.Captions),
		"strategy", string(p.opts.Strategy),
	)

	input, firstTs, err := p.materialize(src, j)
	if err != nil {
		return nil, err
	}

	timed := caption.Rebase(caption.Participating(req.Captions, req.StartMs, req.EndMs), req.StartMs, j.durSec)
	ratio, reshape := p.reshapeTarget(req.Aspect, logger)
	streamCopy := len(timed) == 0 && !reshape && j.enc.Resolution == ""

	// Chunks before the requested start may be in the file when the slice
	// lands on a chunk boundary; seek is relative to the first chunk.
	seek := float64(max(0, req.StartMs-firstTs)) / 1000
	current, err := p.trim(ctx, j, input, seek, streamCopy)
	if err != nil {
		return nil, err
	}
	j.temps.Release(input)

	result := &Result{DurationMs: req.DurationMs(), StreamCopy: streamCopy}

	if reshape {
		out, dims, err := p.reshape(ctx, j, current, req.Aspect.Mode, ratio)
		if err != nil {
			return nil, err
		}
		current = out
		result.Reshaped = true
		result.Width, result.Height = dims.Width, dims.Height
	}

	if len(timed) > 0 {
		out, dims, err := p.captions(ctx, j, current, timed)
		if err != nil {
			return nil, err
		}
		current = out
		result.Captioned = true
		result.Width, result.Height = dims.Width, dims.Height
	}

	final, size, err := finalize(current, req, j.enc)
	if err != nil {
		return nil, err
	}
	j.report(StageFinalize, 100)

	result.OutputPath = final
	result.SizeBytes = size

	logger.Info("export finished",
		"output", logging.SanitizePath(final),
		"size_bytes", size,
		"reshaped", result.Reshaped,
		"captioned", result.Captioned,
		"stream_copy", streamCopy,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// materialize concatenates the clip's chunk payloads into one temp file
// and returns it with the first chunk's timestamp.
func (p *Pipeline) materialize(src SliceSource, j *job) (string, int64, error) {
	chunks := src.Slice(j.req.StartMs, j.req.EndMs, 0)
	if len(chunks) == 0 {
		return "", 0, ErrNoBufferedData
	}

	f, err := j.temps.Create("materialize", ".ts")
	if err != nil {
		return "", 0, err
	}
	w := bufio.NewWriterSize(f, 256*1024)
	var written int64
	for i, c := range chunks {
		n, err := w.Write(c.Payload)
		written += int64(n)
		if err != nil {
			f.Close()
			return "", 0, fmt.Errorf("write materialized input: %w", err)
		}
		if i%64 == 0 {
			j.report(StageMaterialize, float64(i)/float64(len(chunks))*100)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("flush materialized input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close materialized input: %w", err)
	}

	j.report(StageMaterialize, 100)
	j.logger.Debug("materialized clip input",
		"chunks", len(chunks),
		"bytes", written,
		"first_ms", chunks[0].TimestampMs,
		"last_ms", chunks[len(chunks)-1].TimestampMs,
	)
	return f.Name(), chunks[0].TimestampMs, nil
}

func (p *Pipeline) trim(ctx context.Context, j *job, input string, seek float64, streamCopy bool) (string, error) {
	out, err := j.temps.Path("trim", "."+j.enc.Container)
	if err != nil {
		return "", err
	}
	args := TrimArgs(input, out, seek, j.durSec, streamCopy, j.enc)
	if err := p.run(ctx, j, StageTrim, args); err != nil {
		return "", fmt.Errorf("trim: %w", err)
	}
	return out, nil
}

// reshapeTarget validates the aspect request. Unusable ratios are logged
// and skipped.
func (p *Pipeline) reshapeTarget(target *AspectTarget, logger *slog.Logger) (ratio [2]int, ok bool) {
	if target == nil || target.Ratio == RatioOriginal {
		return ratio, false
	}
	w, h, valid := ParseRatio(target.Ratio)
	if !valid {
		logger.Warn("aspect reshape skipped",
			"ratio", target.Ratio,
			"error", ErrInvalidAspectRatio,
		)
		return ratio, false
	}
	return [2]int{w, h}, true
}

// Reshape converts input to the target ratio. Invalid or "original" ratios
// pass input through untouched.
func (p *Pipeline) Reshape(ctx context.Context, input string, target *AspectTarget, temps *transcode.TempSet) (string, transcode.Dimensions, error) {
	ratio, ok := p.reshapeTarget(target, p.logger)
	if !ok {
		return input, transcode.Dimensions{}, nil
	}
	j := &job{enc: EncodeSettings{}.WithDefaults(), temps: temps, logger: p.logger}
	return p.reshape(ctx, j, input, target.Mode, ratio)
}

func (p *Pipeline) reshape(ctx context.Context, j *job, input string, mode Mode, ratio [2]int) (string, transcode.Dimensions, error) {
	src, err := p.prober.Dimensions(ctx, input)
	if err != nil {
		p.keepReshapeTemps(j, input)
		return "", transcode.Dimensions{}, fmt.Errorf("probe before reshape: %w", err)
	}

	box := TargetBox(src, ratio[0], ratio[1])
	out, err := j.temps.Path("reshape", "."+j.enc.Container)
	if err != nil {
		return "", transcode.Dimensions{}, err
	}

	filter := ReshapeFilter(mode, box)
	j.logger.Info("reshaping clip",
		"mode", string(mode),
		"source", fmt.Sprintf("%dx%d", src.Width, src.Height),
		"target", fmt.Sprintf("%dx%d", box.Width, box.Height),
	)

	if err := p.run(ctx, j, StageReshape, FilterArgs(input, out, filter, j.enc)); err != nil {
		p.keepReshapeTemps(j, input, out)
		return "", transcode.Dimensions{}, fmt.Errorf("reshape: %w", err)
	}
	j.temps.Release(input)
	return out, box, nil
}

func (p *Pipeline) keepReshapeTemps(j *job, paths ...string) {
	if p.opts.PreserveReshapeTemps {
		j.temps.Keep(paths...)
	}
	j.logger.Warn("reshape failed",
		"temp_paths", paths,
		"preserved", p.opts.PreserveReshapeTemps,
	)
}

// captions burns the timed overlays into input with the configured strategy.
func (p *Pipeline) captions(ctx context.Context, j *job, input string, timed []caption.Timed) (string, transcode.Dimensions, error) {
	dims, err := p.prober.Dimensions(ctx, input)
	if err != nil {
		return "", transcode.Dimensions{}, fmt.Errorf("probe before captions: %w", err)
	}

	out, err := j.temps.Path("captions", "."+j.enc.Container)
	if err != nil {
		return "", transcode.Dimensions{}, err
	}

	switch p.opts.Strategy {
	case StrategyFrames:
		err = p.captionFrames(ctx, j, input, out, timed, dims)
	default:
		err = p.captionFilter(ctx, j, input, out, timed, dims)
	}
	if err != nil {
		return "", transcode.Dimensions{}, fmt.Errorf("captions: %w", err)
	}
	j.temps.Release(input)
	return out, dims, nil
}

func (p *Pipeline) captionFilter(ctx context.Context, j *job, input, out string, timed []caption.Timed, dims transcode.Dimensions) error {
	fontFiles := make(map[string]string)
	items := make([]FilterCaption, 0, len(timed))

	for _, t := range timed {
		block, face, err := p.fonts.LayoutWith(t.Overlay, dims.Width, dims.Height)
		if err != nil {
			return err
		}

		name := p.fonts.FontName(t.Overlay)
		fontFile, ok := fontFiles[name]
		if !ok {
			fontFile, err = writeTemp(j.temps, "font-"+name, ".ttf", p.fonts.TTF(t.Overlay))
			if err != nil {
				return err
			}
			fontFiles[name] = fontFile
		}

		item := FilterCaption{Timed: t, Block: block, FontFile: fontFile}
		if t.LetterSpacingPx > 0 {
			item.Glyphs, err = glyphFiles(j.temps, block.Lines, caption.FaceMeasurer{Face: face}, t.LetterSpacingPx)
			if err != nil {
				return err
			}
			items = append(items, item)
			continue
		}
		for _, line := range block.Lines {
			textFile, err := writeTemp(j.temps, "caption", ".txt", []byte(line))
			if err != nil {
				return err
			}
			item.TextFiles = append(item.TextFiles, textFile)
		}
		items = append(items, item)
	}

	return p.run(ctx, j, StageCaptions, FilterArgs(input, out, CaptionFilter(items), j.enc))
}

// glyphFiles writes one text file per visible rune, positioned the way the
// frame renderer steps through a letter-spaced line.
func glyphFiles(temps *transcode.TempSet, lines []string, m caption.Measurer, spacing float64) ([][]FilterGlyph, error) {
	out := make([][]FilterGlyph, len(lines))
	for i, line := range lines {
		offsets := caption.GlyphOffsets(m, line, spacing)
		k := 0
		for _, r := range line {
			dx := offsets[k]
			k++
			if unicode.IsSpace(r) {
				continue
			}
			textFile, err := writeTemp(temps, "glyph", ".txt", []byte(string(r)))
			if err != nil {
				return nil, err
			}
			out[i] = append(out[i], FilterGlyph{DX: dx, TextFile: textFile})
		}
	}
	return out, nil
}

func (p *Pipeline) captionFrames(ctx context.Context, j *job, input, out string, timed []caption.Timed, dims transcode.Dimensions) error {
	dir, err := j.temps.Dir("frames")
	if err != nil {
		return err
	}
	defer j.temps.Release(dir)

	prepared, err := p.renderer.Prepare(timed, dims.Width, dims.Height)
	if err != nil {
		return err
	}

	fps := float64(j.enc.FPS)
	total := int(math.Ceil(j.durSec * fps))
	cache := make(map[string][]byte)
	for i := 0; i < total; i++ {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			j.report(StageCaptions, float64(i)/float64(total)*50)
		}

		sec := float64(i) / fps
		sig := caption.Signature(prepared, sec)
		data, ok := cache[sig]
		if !ok {
			frame := p.renderer.DrawFrame(prepared, dims.Width, dims.Height, sec)
			if data, err = caption.EncodePNG(frame); err != nil {
				return err
			}
			cache[sig] = data
		}

		name := filepath.Join(dir, fmt.Sprintf(FrameSequenceName, i))
		if err := os.WriteFile(name, data, 0644); err != nil {
			return fmt.Errorf("write caption frame: %w", err)
		}
	}

	j.logger.Debug("rendered caption frames", "frames", total, "distinct", len(cache))

	pattern := filepath.Join(dir, FrameSequenceName)
	return p.runScaled(ctx, j, StageCaptions, FramesArgs(input, pattern, out, j.durSec, j.enc), 50)
}

// run executes the transcoder and reports stage progress from time= lines.
func (p *Pipeline) run(ctx context.Context, j *job, stage Stage, args []string) error {
	return p.runScaled(ctx, j, stage, args, 0)
}

// runScaled maps transcoder progress onto [offset, 100].
func (p *Pipeline) runScaled(ctx context.Context, j *job, stage Stage, args []string, offset float64) error {
	total := time.Duration(j.durSec * float64(time.Second))
	j.report(stage, offset)

	result, err := p.runner.Run(ctx, transcode.Invocation{
		Binary: p.opts.FFmpegPath,
		Args:   args,
		OnProgressLine: func(line string) {
			if pos, ok := transcode.ParseProgress(line); ok {
				j.report(stage, offset+transcode.Percent(pos, total)*(100-offset)/100)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := transcode.Check(result); err != nil {
		return err
	}
	j.report(stage, 100)
	return nil
}

func writeTemp(temps *transcode.TempSet, op, ext string, data []byte) (string, error) {
	f, err := temps.Create(op, ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", op, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", op, err)
	}
	return f.Name(), nil
}

// finalize moves the last intermediate to {OutputDir}/{OutputName}.{container},
// numbering the name when that file already exists.
func finalize(current string, req Request, enc EncodeSettings) (string, int64, error) {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	final := UniqueOutputPath(req.OutputDir, SanitizeName(req.OutputName, maxNameLen), enc.Container)
	if err := moveFile(current, final); err != nil {
		return "", 0, fmt.Errorf("finalize: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return "", 0, fmt.Errorf("stat output: %w", err)
	}
	return final, info.Size(), nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Join(renameErr, err)
	}
	defer in.Close()

	tmp := dst + ".partial"
	outFile, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := outFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
