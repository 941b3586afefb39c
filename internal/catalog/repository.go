package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Repository interface {
	CreateClip(ctx context.Context, clip *Clip) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	ListClips(ctx context.Context, limit int) ([]*Clip, error)
	UpdateClipStatus(ctx context.Context, id, status string) error

	CreateExport(ctx context.Context, exp *Export) error
	GetExport(ctx context.Context, id string) (*Export, error)
	ListExports(ctx context.Context, limit int) ([]*Export, error)
	ListExportsByStatus(ctx context.Context, status string) ([]*Export, error)
	UpdateExportStatus(ctx context.Context, id, status, errorMsg, errorCode string) error
	UpdateExportProgress(ctx context.Context, id, stage string, progress float64) error
	CompleteExport(ctx context.Context, id, outputPath string, sizeBytes int64) error

	CreateUpload(ctx context.Context, up *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
	ListUploads(ctx context.Context, limit int) ([]*Upload, error)
	ListUploadsByStatus(ctx context.Context, statuses ...string) ([]*Upload, error)
	UpdateUpload(ctx context.Context, id, status string, attempts int, url, errorMsg string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// timeLayout keeps millisecond precision and sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const clipColumns = `id, source_id, title, session_started_at, start_ms, end_ms, status, marked_at, created_at`

func (r *SQLiteRepository) CreateClip(ctx context.Context, c *Clip) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clips (`+clipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SourceID, nullString(c.Title), formatTime(c.SessionStartedAt), c.StartMs, c.EndMs,
		c.Status, formatTime(c.MarkedAt), formatTime(c.CreatedAt))
	return err
}

func (r *SQLiteRepository) GetClip(ctx context.Context, id string) (*Clip, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = ?`, id)
	c, err := scanClip(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *SQLiteRepository) ListClips(ctx context.Context, limit int) ([]*Clip, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+clipColumns+` FROM clips ORDER BY marked_at DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clips []*Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		clips = append(clips, c)
	}
	return clips, rows.Err()
}

func (r *SQLiteRepository) UpdateClipStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE clips SET status = ? WHERE id = ?", status, id)
	return err
}

const exportColumns = `id, clip_id, status, stage, progress, request, output_path, size_bytes, error, error_code, created_at, updated_at`

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *Export) error {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Errorf("encode export request: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exports (`+exportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.ClipID), e.Status, nullString(e.Stage), e.Progress, string(req),
		nullString(e.OutputPath), e.SizeBytes, nullString(e.Error), nullString(e.ErrorCode),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*Export, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*Export, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM exports ORDER BY created_at DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExports(rows)
}

func (r *SQLiteRepository) ListExportsByStatus(ctx context.Context, status string) ([]*Export, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM exports WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExports(rows)
}

func (r *SQLiteRepository) UpdateExportStatus(ctx context.Context, id, status, errorMsg, errorCode string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, error = ?, error_code = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), nullString(errorCode), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id, stage string, progress float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET stage = ?, progress = ?, updated_at = ? WHERE id = ?
	`, stage, progress, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) CompleteExport(ctx context.Context, id, outputPath string, sizeBytes int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, stage = NULL, progress = 100, output_path = ?, size_bytes = ?,
			error = NULL, error_code = NULL, updated_at = ?
		WHERE id = ?
	`, ExportStatusCompleted, outputPath, sizeBytes, formatTime(time.Now()), id)
	return err
}

const uploadColumns = `id, clip_id, export_id, source_path, status, attempts, url, error, created_at, updated_at`

func (r *SQLiteRepository) CreateUpload(ctx context.Context, u *Upload) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.ClipID, nullString(u.ExportID), u.SourcePath, u.Status, u.Attempts,
		nullString(u.URL), nullString(u.Error), formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetUpload(ctx context.Context, id string) (*Upload, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (r *SQLiteRepository) ListUploads(ctx context.Context, limit int) ([]*Upload, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+uploadColumns+` FROM uploads ORDER BY created_at DESC LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploads(rows)
}

func (r *SQLiteRepository) ListUploadsByStatus(ctx context.Context, statuses ...string) ([]*Upload, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+uploadColumns+` FROM uploads WHERE status IN (`+placeholders+`) ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploads(rows)
}

func (r *SQLiteRepository) UpdateUpload(ctx context.Context, id, status string, attempts int, url, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET status = ?, attempts = ?, url = COALESCE(?, url), error = ?, updated_at = ?
		WHERE id = ?
	`, status, attempts, nullString(url), nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClip(s scanner) (*Clip, error) {
	var c Clip
	var title sql.NullString
	var sessionStartedAt, markedAt, createdAt string

	if err := s.Scan(&c.ID, &c.SourceID, &title, &sessionStartedAt, &c.StartMs, &c.EndMs,
		&c.Status, &markedAt, &createdAt); err != nil {
		return nil, err
	}
	c.Title = title.String
	c.SessionStartedAt = parseTime(sessionStartedAt)
	c.MarkedAt = parseTime(markedAt)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func scanExport(s scanner) (*Export, error) {
	var e Export
	var clipID, stage, outputPath, errMsg, errCode sql.NullString
	var request, createdAt, updatedAt string

	if err := s.Scan(&e.ID, &clipID, &e.Status, &stage, &e.Progress, &request, &outputPath,
		&e.SizeBytes, &errMsg, &errCode, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &e.Request); err != nil {
		return nil, fmt.Errorf("decode export request %s: %w", e.ID, err)
	}
	e.ClipID = clipID.String
	e.Stage = stage.String
	e.OutputPath = outputPath.String
	e.Error = errMsg.String
	e.ErrorCode = errCode.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanExports(rows *sql.Rows) ([]*Export, error) {
	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func scanUpload(s scanner) (*Upload, error) {
	var u Upload
	var exportID, url, errMsg sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&u.ID, &u.ClipID, &exportID, &u.SourcePath, &u.Status, &u.Attempts,
		&url, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.ExportID = exportID.String
	u.URL = url.String
	u.Error = errMsg.String
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

func scanUploads(rows *sql.Rows) ([]*Upload, error) {
	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts both timeLayout and the second-precision timestamps
// SQLite's strftime writes.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
