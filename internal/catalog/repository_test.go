package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/caption"
	"github.com/heimdex/heimdex-clipper/internal/export"
)

func TestRepository_Clips(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	started := t0.Add(123 * time.Millisecond)
	for i, id := range []string{"a", "b"} {
		clip := &Clip{
			ID:               id,
			SourceID:         "screen-0",
			SessionStartedAt: started,
			StartMs:          1000,
			EndMs:            4000,
			Status:           ClipStatusMarked,
			MarkedAt:         t0.Add(time.Duration(i) * time.Second),
			CreatedAt:        t0,
		}
		if err := repo.CreateClip(ctx, clip); err != nil {
			t.Fatalf("CreateClip(%s) error = %v", id, err)
		}
	}

	got, err := repo.GetClip(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("GetClip() = %v, %v", got, err)
	}
	if !got.SessionStartedAt.Equal(started) {
		t.Errorf("SessionStartedAt = %v, want %v", got.SessionStartedAt, started)
	}
	if got.DurationMs() != 3000 {
		t.Errorf("DurationMs() = %d, want 3000", got.DurationMs())
	}

	if err := repo.UpdateClipStatus(ctx, "a", ClipStatusExported); err != nil {
		t.Fatalf("UpdateClipStatus() error = %v", err)
	}

	clips, err := repo.ListClips(ctx, 10)
	if err != nil {
		t.Fatalf("ListClips() error = %v", err)
	}
	if len(clips) != 2 || clips[0].ID != "b" {
		t.Fatalf("ListClips() = %+v, want newest first", clips)
	}
	if clips[1].Status != ClipStatusExported {
		t.Errorf("status = %s, want exported", clips[1].Status)
	}

	missing, err := repo.GetClip(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetClip(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestRepository_Exports(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	exp := &Export{
		ID:     "e1",
		Status: ExportStatusQueued,
		Request: export.Request{
			ID:         "e1",
			StartMs:    1000,
			EndMs:      5000,
			OutputName: "goal",
			OutputDir:  "/clips",
			Captions:   []caption.Overlay{{ID: "c1", Text: "Goal!", Visible: true}},
			Aspect:     &export.AspectTarget{Ratio: "9:16", Mode: export.ModeCrop},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	if err := repo.CreateExport(ctx, exp); err != nil {
		t.Fatalf("CreateExport() error = %v", err)
	}

	if err := repo.UpdateExportProgress(ctx, "e1", "trim", 40); err != nil {
		t.Fatalf("UpdateExportProgress() error = %v", err)
	}
	got, _ := repo.GetExport(ctx, "e1")
	if got.Stage != "trim" || got.Progress != 40 {
		t.Errorf("stage/progress = %s/%v", got.Stage, got.Progress)
	}
	if got.Request.Aspect == nil || got.Request.Aspect.Ratio != "9:16" || len(got.Request.Captions) != 1 {
		t.Errorf("request did not round trip: %+v", got.Request)
	}
	if got.ClipID != "" {
		t.Errorf("ClipID = %q, want empty", got.ClipID)
	}

	if err := repo.UpdateExportStatus(ctx, "e1", ExportStatusFailed, "boom", CodeInternal); err != nil {
		t.Fatalf("UpdateExportStatus() error = %v", err)
	}
	failed, _ := repo.ListExportsByStatus(ctx, ExportStatusFailed)
	if len(failed) != 1 || failed[0].ErrorCode != CodeInternal || !failed[0].Finished() {
		t.Fatalf("failed exports = %+v", failed)
	}

	if err := repo.CompleteExport(ctx, "e1", "/clips/goal.mp4", 99); err != nil {
		t.Fatalf("CompleteExport() error = %v", err)
	}
	got, _ = repo.GetExport(ctx, "e1")
	if got.Status != ExportStatusCompleted || got.Progress != 100 || got.Error != "" || got.SizeBytes != 99 {
		t.Errorf("completed export = %+v", got)
	}
}

func TestRepository_Uploads(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	for i, status := range []string{UploadStatusPending, UploadStatusRetrying, UploadStatusCompleted} {
		up := &Upload{
			ID:         string(rune('a' + i)),
			ClipID:     "clip",
			SourcePath: "/clips/x.mp4",
			Status:     status,
			CreatedAt:  t0.Add(time.Duration(i) * time.Second),
			UpdatedAt:  t0,
		}
		if err := repo.CreateUpload(ctx, up); err != nil {
			t.Fatalf("CreateUpload() error = %v", err)
		}
	}

	open, err := repo.ListUploadsByStatus(ctx, UploadStatusPending, UploadStatusRetrying)
	if err != nil {
		t.Fatalf("ListUploadsByStatus() error = %v", err)
	}
	if len(open) != 2 || open[0].ID != "a" || open[1].ID != "b" {
		t.Fatalf("open uploads = %+v", open)
	}

	if err := repo.UpdateUpload(ctx, "b", UploadStatusCompleted, 2, "https://store/x", ""); err != nil {
		t.Fatalf("UpdateUpload() error = %v", err)
	}
	if err := repo.UpdateUpload(ctx, "b", UploadStatusCompleted, 2, "", ""); err != nil {
		t.Fatalf("UpdateUpload() error = %v", err)
	}
	got, _ := repo.GetUpload(ctx, "b")
	if got.URL != "https://store/x" || got.Attempts != 2 {
		t.Errorf("upload = %+v, url should survive an empty update", got)
	}

	all, _ := repo.ListUploads(ctx, 0)
	if len(all) != 3 {
		t.Errorf("ListUploads() = %d, want 3", len(all))
	}
}

func TestRepository_Config(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	if v, err := repo.GetConfig(ctx, ConfigKeyAuthToken); err != nil || v != "" {
		t.Fatalf("GetConfig(unset) = %q, %v", v, err)
	}
	repo.SetConfig(ctx, ConfigKeyAuthToken, "one")
	repo.SetConfig(ctx, ConfigKeyAuthToken, "two")
	if v, _ := repo.GetConfig(ctx, ConfigKeyAuthToken); v != "two" {
		t.Errorf("GetConfig() = %q, want two", v)
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := map[string]bool{
		"a.mp4":    true,
		"B.MOV":    true,
		"c.mkv":    true,
		"d.ts":     true,
		"e.txt":    false,
		"noext":    false,
		".hidden":  false,
		"x.mp4.gz": false,
	}
	for name, want := range tests {
		if got := IsVideoFile(name); got != want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", name, got, want)
		}
	}
}
