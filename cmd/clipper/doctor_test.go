package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

func TestPrintReport_Text(t *testing.T) {
	report := &transcode.Report{
		Transcoder: transcode.ToolInfo{Name: "ffmpeg", Path: "/usr/bin/ffmpeg", Available: true, Version: "ffmpeg version 6.1"},
		Prober:     transcode.ToolInfo{Name: "ffprobe", Error: "binary not found"},
	}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report, false))

	out := buf.String()
	assert.Contains(t, out, "ok       ffmpeg")
	assert.Contains(t, out, "(/usr/bin/ffmpeg)")
	assert.Contains(t, out, "missing  ffprobe")
	assert.Contains(t, out, "Exports will fail")
}

func TestPrintReport_JSON(t *testing.T) {
	report := &transcode.Report{
		Transcoder: transcode.ToolInfo{Name: "ffmpeg", Available: true},
		Prober:     transcode.ToolInfo{Name: "ffprobe", Available: true},
	}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report, true))

	var decoded transcode.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.True(t, decoded.Ready())
}

func TestOrName(t *testing.T) {
	assert.Equal(t, "ffmpeg", orName("", "ffmpeg"))
	assert.Equal(t, "/opt/ffmpeg", orName("/opt/ffmpeg", "ffmpeg"))
}
