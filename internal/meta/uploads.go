package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
)

// Upload states.
const (
	UploadRunning = "RUNNING"
	UploadDone    = "DONE"
	UploadFailed  = "FAILED"
)

// Upload records one attempt to store an object.
type Upload struct {
	ID          string         `json:"upload_id"`
	Name        string         `json:"name"`
	TotalSize   int64          `json:"total_size"`
	State       string         `json:"state"`
	ObjectID    string         `json:"object_id,omitempty"`
	FailedChunk int            `json:"failed_chunk"`
	Error       string         `json:"error,omitempty"`
	Orphans     []blob.Locator `json:"orphans,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// BeginUpload records a running upload attempt and returns its id.
func (s *Store) BeginUpload(ctx context.Context, name string, totalSize int64) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO uploads(upload_id, name, total_size, state, failed_chunk, started_at)
VALUES(?, ?, ?, ?, -1, ?)`, id, name, totalSize, UploadRunning, s.timestamp())
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishUpload marks a running upload as done and links the published object.
func (s *Store) FinishUpload(ctx context.Context, uploadID, objectID string) error {
	return s.closeUpload(ctx, uploadID, `
UPDATE uploads SET state=?, object_id=?, finished_at=?
WHERE upload_id=? AND state=?`, UploadDone, objectID, s.timestamp(), uploadID, UploadRunning)
}

// FailUpload marks a running upload as failed at chunkIndex and records the
// payloads it left behind.
func (s *Store) FailUpload(ctx context.Context, uploadID string, chunkIndex int, cause error, orphans []blob.Locator) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	encoded, err := json.Marshal(orphans)
	if err != nil {
		return err
	}
	return s.closeUpload(ctx, uploadID, `
UPDATE uploads SET state=?, failed_chunk=?, error=?, orphans=?, finished_at=?
WHERE upload_id=? AND state=?`, UploadFailed, chunkIndex, msg, string(encoded), s.timestamp(), uploadID, UploadRunning)
}

func (s *Store) closeUpload(ctx context.Context, uploadID, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: running upload %s", ErrNotFound, uploadID)
	}
	return nil
}

// GetUpload returns one upload attempt.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*Upload, error) {
	up, err := scanUpload(s.db.QueryRowContext(ctx, uploadSelect+` WHERE upload_id=?`, uploadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	return up, err
}

// ListUploads returns upload attempts, newest first. An empty state lists all.
func (s *Store) ListUploads(ctx context.Context, state string) ([]Upload, error) {
	query := uploadSelect
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY started_at DESC, upload_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Upload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *up)
	}
	return out, rows.Err()
}

const uploadSelect = `
SELECT upload_id, name, total_size, state, object_id, failed_chunk, error, orphans, started_at, finished_at
FROM uploads`

func scanUpload(row rowScanner) (*Upload, error) {
	var (
		up                             Upload
		objectID, errMsg, orphans, fin sql.NullString
		failed                         sql.NullInt64
		started                        string
	)
	if err := row.Scan(&up.ID, &up.Name, &up.TotalSize, &up.State, &objectID, &failed, &errMsg, &orphans, &started, &fin); err != nil {
		return nil, err
	}
	up.ObjectID = objectID.String
	up.FailedChunk = -1
	if failed.Valid {
		up.FailedChunk = int(failed.Int64)
	}
	up.Error = errMsg.String
	if orphans.Valid && orphans.String != "" {
		if err := json.Unmarshal([]byte(orphans.String), &up.Orphans); err != nil {
			return nil, fmt.Errorf("meta: decode orphans of %s: %w", up.ID, err)
		}
	}
	up.StartedAt = parseTime(started)
	if fin.Valid {
		up.FinishedAt = parseTime(fin.String)
	}
	return &up, nil
}
