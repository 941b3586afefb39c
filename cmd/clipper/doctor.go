package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-clipper/internal/config"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

var doctorJSON bool

var errToolchainMissing = errors.New("transcoding toolchain is incomplete")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that ffmpeg and ffprobe are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()

		report, err := runDoctor(ctx, cfg)
		if err != nil {
			return err
		}
		if err := printReport(cmd.OutOrStdout(), report, doctorJSON); err != nil {
			return err
		}
		if !report.Ready() {
			return errToolchainMissing
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output the report as JSON")
}

// resolveBinaries finds the transcoder and prober. Unresolved binaries
// come back empty alongside the joined lookup errors.
func resolveBinaries(cfg config.Config) (ffmpeg, ffprobe string, err error) {
	ffmpeg, errFF := transcode.FindBinary("ffmpeg", "CLIPPER_FFMPEG", cfg.FFmpegPath())
	ffprobe, errProbe := transcode.FindBinary("ffprobe", "CLIPPER_FFPROBE", cfg.FFprobePath())
	return ffmpeg, ffprobe, errors.Join(errFF, errProbe)
}

func runDoctor(ctx context.Context, cfg config.Config) (*transcode.Report, error) {
	ffmpeg, ffprobe, _ := resolveBinaries(cfg)
	doctor := transcode.NewDoctor(transcode.NewExecRunner(logging.Discard()), ffmpeg, ffprobe)
	return doctor.Run(ctx)
}

func printReport(w io.Writer, r *transcode.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	for _, tool := range []transcode.ToolInfo{r.Transcoder, r.Prober} {
		if tool.Available {
			fmt.Fprintf(w, "  ok       %-8s %s (%s)\n", tool.Name, tool.Version, tool.Path)
			continue
		}
		fmt.Fprintf(w, "  missing  %-8s %s\n", tool.Name, tool.Error)
	}
	if r.Ready() {
		fmt.Fprintln(w, "Ready to export.")
	} else {
		fmt.Fprintln(w, "Exports will fail until the missing tools are installed or configured.")
	}
	return nil
}
