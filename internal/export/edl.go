package export

import (
	"fmt"
	"math"
	"strings"
)

// EDLEntry is one finished clip placed on an edit decision list. StartMs
// and EndMs are the clip's range on its capture session timeline.
type EDLEntry struct {
	Name      string
	MediaPath string
	StartMs   int64
	EndMs     int64
}

// GenerateEDL renders clips as a CMX3600 edit decision list, laid end to
// end on the record side in the given order. Each exported file starts at
// zero, so source in/out span 0 to the clip duration.
func GenerateEDL(entries []EDLEntry, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = DefaultFPS
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	var recordOffsetMs int64
	for i, e := range entries {
		durationMs := e.EndMs - e.StartMs
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, reelName(i), "AA/V",
				msToTimecode(0, fps), msToTimecode(durationMs, fps),
				msToTimecode(recordOffsetMs, fps), msToTimecode(recordOffsetMs+durationMs, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", e.Name),
			fmt.Sprintf("* SOURCE FILE:  %s", e.MediaPath),
		)
		recordOffsetMs += durationMs
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// reelName gives each clip its own reel since every export is a separate file.
func reelName(i int) string {
	return fmt.Sprintf("CLIP%03d", i+1)
}

func msToTimecode(ms int64, fps int) string {
	totalFrames := int64(math.Round(float64(ms) * float64(fps) / 1000.0))
	f := int64(fps)
	frames := totalFrames % f
	totalSeconds := totalFrames / f
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
