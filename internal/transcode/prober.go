package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Prober reads stream metadata through the prober binary.
type Prober struct {
	runner Runner
	binary string
}

// NewProber creates a Prober that runs binary through runner.
func NewProber(runner Runner, binary string) *Prober {
	return &Prober{runner: runner, binary: binary}
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

// Dimensions returns the width and height of the first video stream.
func (p *Prober) Dimensions(ctx context.Context, path string) (Dimensions, error) {
	var stdout bytes.Buffer
	result, err := p.runner.Run(ctx, Invocation{
		Binary: p.binary,
		Args: []string{
			"-v", "error",
			"-select_streams", "v:0",
			"-show_entries", "stream=width,height",
			"-of", "json",
			path,
		},
		Stdout: &stdout,
	})
	if err != nil {
		return Dimensions{}, err
	}
	if err := Check(result); err != nil {
		return Dimensions{}, err
	}
	return ParseDimensions(stdout.Bytes())
}

// ParseDimensions decodes prober JSON of the shape {streams:[{width,height}]}.
func ParseDimensions(data []byte) (Dimensions, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Dimensions{}, &ProbeParseError{Output: string(data), Err: err}
	}
	if len(out.Streams) == 0 {
		return Dimensions{}, &ProbeParseError{Output: string(data), Err: errors.New("no video stream")}
	}
	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Dimensions{}, &ProbeParseError{
			Output: string(data),
			Err:    fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height),
		}
	}
	return Dimensions{Width: s.Width, Height: s.Height}, nil
}
