package export

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-clipper/internal/caption"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

var (
	ratioRe      = regexp.MustCompile(`^\d+:\d+$`)
	resolutionRe = regexp.MustCompile(`^(\d+)x(\d+)$`)
)

// ParseRatio parses "w:h". Anything else, including zero terms, fails.
func ParseRatio(s string) (w, h int, ok bool) {
	if !ratioRe.MatchString(s) {
		return 0, 0, false
	}
	ws, hs, _ := strings.Cut(s, ":")
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// ParseResolution parses "WxH" with positive terms.
func ParseResolution(s string) (w, h int, ok bool) {
	m := resolutionRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	w, _ = strconv.Atoi(m[1])
	h, _ = strconv.Atoi(m[2])
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return even(w), even(h), true
}

// TargetBox is the output frame for a ratio: the source height, and the
// width that makes w:h. Both are even for yuv420p.
func TargetBox(src transcode.Dimensions, rw, rh int) transcode.Dimensions {
	h := even(src.Height)
	w := even(int(math.Round(float64(h) * float64(rw) / float64(rh))))
	return transcode.Dimensions{Width: max(w, 2), Height: max(h, 2)}
}

func even(v int) int {
	if v%2 != 0 {
		return v + 1
	}
	return v
}

// ReshapeFilter builds the -vf chain for a mode into a w x h box. Unknown
// modes letterbox.
func ReshapeFilter(mode Mode, box transcode.Dimensions) string {
	w, h := box.Width, box.Height
	switch mode {
	case ModeCrop:
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1", w, h, w, h)
	case ModeStretch:
		return fmt.Sprintf("scale=%d:%d,setsar=1", w, h)
	default:
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1", w, h, w, h)
	}
}

// videoEncodeArgs re-encodes video with x264.
func videoEncodeArgs(enc EncodeSettings) []string {
	args := []string{"-c:v", "libx264", "-preset", enc.Preset}
	if enc.BitrateMode == BitrateModeQP {
		args = append(args, "-qp", strconv.Itoa(enc.QualityFactor))
	} else {
		args = append(args, "-crf", strconv.Itoa(enc.QualityFactor))
	}
	return append(args, "-pix_fmt", "yuv420p", "-r", strconv.Itoa(enc.FPS))
}

func containerArgs(enc EncodeSettings) []string {
	if enc.Container == "mp4" || enc.Container == "mov" {
		return []string{"-movflags", "+faststart"}
	}
	return nil
}

func secs(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// TrimArgs cuts [seek, seek+dur) out of the materialized input. With
// streamCopy the packets are repackaged; otherwise video is re-encoded and
// audio transcoded to AAC.
func TrimArgs(input, output string, seekSec, durSec float64, streamCopy bool, enc EncodeSettings) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-fflags", "+genpts",
		"-ss", secs(seekSec),
		"-i", input,
		"-t", secs(durSec),
		"-map", "0:v:0",
		"-map", "0:a:0?",
	}
	if streamCopy {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	} else {
		if w, h, ok := ParseResolution(enc.Resolution); ok {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d,setsar=1", w, h))
		}
		args = append(args, videoEncodeArgs(enc)...)
		args = append(args, "-c:a", "aac")
	}
	args = append(args, "-avoid_negative_ts", "make_zero")
	args = append(args, containerArgs(enc)...)
	return append(args, output)
}

// FilterArgs applies a -vf chain to the video and copies audio unmodified.
func FilterArgs(input, output, filter string, enc EncodeSettings) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", filter,
	}
	args = append(args, videoEncodeArgs(enc)...)
	args = append(args, "-c:a", "copy")
	args = append(args, containerArgs(enc)...)
	return append(args, output)
}

// FrameSequenceName is the image2 pattern for rendered caption frames.
const FrameSequenceName = "frame_%06d.png"

// FramesArgs composites an image sequence over the video at (0,0).
func FramesArgs(input, framePattern, output string, durSec float64, enc EncodeSettings) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", input,
		"-framerate", strconv.Itoa(enc.FPS),
		"-start_number", "0",
		"-i", framePattern,
		"-filter_complex", "[0:v][1:v]overlay=0:0:eof_action=pass[v]",
		"-map", "[v]",
		"-map", "0:a:0?",
		"-t", secs(durSec),
	}
	args = append(args, videoEncodeArgs(enc)...)
	args = append(args, "-c:a", "copy")
	args = append(args, containerArgs(enc)...)
	return append(args, output)
}

// FilterCaption is one overlay ready for the drawtext chain: its layout,
// the font file and one text file per wrapped line. Letter-spaced overlays
// carry Glyphs instead, one entry per drawn rune of each line.
type FilterCaption struct {
	Timed     caption.Timed
	Block     caption.Block
	FontFile  string
	TextFiles []string
	Glyphs    [][]FilterGlyph
}

// FilterGlyph is a single rune drawn at DX from its line's start.
type FilterGlyph struct {
	DX       float64
	TextFile string
}

// CaptionFilter chains a drawbox per background and a drawtext per line
// (or per glyph when letter-spaced), each gated to its overlay's window.
func CaptionFilter(items []FilterCaption) string {
	var parts []string
	for _, it := range items {
		enable := fmt.Sprintf("enable='between(t,%s,%s)'", secs(it.Timed.StartSec), secs(it.Timed.EndSec))
		fg, bg := caption.Colors(it.Timed.Overlay)
		b := it.Block

		if bg != nil && b.Background != nil {
			r := b.Background
			parts = append(parts, fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=%s:t=fill:%s",
				px(r.X), px(r.Y), px(r.W), px(r.H), caption.FilterColor(*bg), enable))
		}

		drawtext := func(textFile string, x, y float64) string {
			return fmt.Sprintf("drawtext=fontfile=%s:textfile=%s:expansion=none:fontsize=%d:fontcolor=%s:x=%d:y=%d:%s",
				escapeFilterValue(it.FontFile), escapeFilterValue(textFile),
				px(b.FontSize), caption.FilterColor(fg), px(x), px(y), enable)
		}

		for i := range b.Lines {
			y := b.LineY(i) + (b.LineHeight-b.FontSize)/2
			switch {
			case i < len(it.Glyphs):
				for _, g := range it.Glyphs[i] {
					parts = append(parts, drawtext(g.TextFile, b.LineX(i)+g.DX, y))
				}
			case i < len(it.TextFiles):
				parts = append(parts, drawtext(it.TextFiles[i], b.LineX(i), y))
			default:
				continue
			}

			if it.Timed.Underline {
				thickness := max(1, px(b.FontSize/15))
				parts = append(parts, fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=%s:t=fill:%s",
					px(b.LineX(i)), px(y+b.FontSize), px(b.LineWidths[i]), thickness, caption.FilterColor(fg), enable))
			}
		}
	}
	return strings.Join(parts, ",")
}

func px(v float64) int {
	return int(math.Round(v))
}

// escapeFilterValue applies both levels of filtergraph escaping: option
// values, then the graph description.
func escapeFilterValue(s string) string {
	s = strings.ReplaceAll(s, `\`, "/")
	s = escapeChars(s, `\':`)
	return escapeChars(s, `\'[],;`)
}

func escapeChars(s, specials string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
