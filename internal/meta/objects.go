package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

// Object is the catalog summary of a published object.
type Object struct {
	ID        string    `json:"object_id"`
	Name      string    `json:"name"`
	IsSplit   bool      `json:"is_split"`
	TotalSize int64     `json:"total_size"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes catalog contents.
type Stats struct {
	Objects        int64 `json:"objects"`
	SplitObjects   int64 `json:"split_objects"`
	Payloads       int64 `json:"payloads"`
	Bytes          int64 `json:"bytes"`
	FailedUploads  int64 `json:"failed_uploads"`
	RunningUploads int64 `json:"running_uploads"`
}

// PublishManifest records m under name. Object and chunk rows are written in one
// transaction, so readers never observe a partially published object.
func (s *Store) PublishManifest(ctx context.Context, name string, m *manifest.Manifest) (obj *Object, err error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.ObjectID == "" {
		return nil, errors.New("meta: object id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.timestamp()
	var single blob.Locator
	var checksum []byte
	if !m.IsSplit {
		single = *m.Single
		checksum = m.SingleChecksum[:]
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO objects(object_id, name, is_split, total_size, provider, locator_key, locator_channel, locator_message_id, checksum, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ObjectID, name, boolToInt(m.IsSplit), m.TotalSize,
		nullString(single.Provider), nullString(single.Key), nullString(single.Channel), single.MessageID,
		checksum, now); err != nil {
		return nil, fmt.Errorf("meta: insert object %s: %w", m.ObjectID, err)
	}
	for _, ch := range m.Chunks {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO chunks(object_id, chunk_index, size, provider, locator_key, locator_channel, locator_message_id, checksum)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ObjectID, ch.Index, ch.Size,
			ch.Locator.Provider, ch.Locator.Key, ch.Locator.Channel, ch.Locator.MessageID,
			ch.Checksum[:]); err != nil {
			return nil, fmt.Errorf("meta: insert chunk %d of %s: %w", ch.Index, m.ObjectID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &Object{
		ID:        m.ObjectID,
		Name:      name,
		IsSplit:   m.IsSplit,
		TotalSize: m.TotalSize,
		Chunks:    m.ChunkCount(),
		CreatedAt: parseTime(now),
	}, nil
}

// GetManifest rebuilds the manifest of a published object.
func (s *Store) GetManifest(ctx context.Context, objectID string) (*manifest.Manifest, error) {
	var (
		isSplit   int
		provider  sql.NullString
		key       sql.NullString
		channel   sql.NullString
		messageID sql.NullInt64
		checksum  []byte
	)
	m := &manifest.Manifest{ObjectID: objectID}
	err := s.db.QueryRowContext(ctx, `
SELECT is_split, total_size, provider, locator_key, locator_channel, locator_message_id, checksum
FROM objects WHERE object_id=?`, objectID).
		Scan(&isSplit, &m.TotalSize, &provider, &key, &channel, &messageID, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, objectID)
	}
	if err != nil {
		return nil, err
	}
	m.IsSplit = isSplit != 0
	if !m.IsSplit {
		m.Single = &blob.Locator{
			Provider:  provider.String,
			Key:       key.String,
			Channel:   channel.String,
			MessageID: messageID.Int64,
		}
		copy(m.SingleChecksum[:], checksum)
		return m, m.Validate()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT chunk_index, size, provider, locator_key, locator_channel, locator_message_id, checksum
FROM chunks WHERE object_id=? ORDER BY chunk_index`, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ch manifest.ChunkDescriptor
		var sum []byte
		if err := rows.Scan(&ch.Index, &ch.Size, &ch.Locator.Provider, &ch.Locator.Key, &ch.Locator.Channel, &ch.Locator.MessageID, &sum); err != nil {
			return nil, err
		}
		copy(ch.Checksum[:], sum)
		m.Chunks = append(m.Chunks, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return m, m.Validate()
}

// GetObject returns the summary row of a published object.
func (s *Store) GetObject(ctx context.Context, objectID string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, objectSelect+` WHERE o.object_id=?`, objectID)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, objectID)
	}
	return obj, err
}

// ListObjects returns every published object, newest first.
func (s *Store) ListObjects(ctx context.Context) ([]Object, error) {
	rows, err := s.db.QueryContext(ctx, objectSelect+` ORDER BY o.created_at DESC, o.object_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *obj)
	}
	return out, rows.Err()
}

// DeleteObject removes the object and its chunk rows. The payloads themselves
// stay in the transport until garbage collection.
func (s *Store) DeleteObject(ctx context.Context, objectID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE object_id=?", objectID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE object_id=?", objectID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = fmt.Errorf("%w: object %s", ErrNotFound, objectID)
		return err
	}
	return tx.Commit()
}

// ReferencedLocators returns every payload locator referenced by a published manifest.
func (s *Store) ReferencedLocators(ctx context.Context) ([]blob.Locator, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, locator_key, locator_channel, locator_message_id FROM objects WHERE is_split=0
UNION ALL
SELECT provider, locator_key, locator_channel, locator_message_id FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []blob.Locator
	for rows.Next() {
		var (
			provider, key, channel sql.NullString
			messageID              sql.NullInt64
		)
		if err := rows.Scan(&provider, &key, &channel, &messageID); err != nil {
			return nil, err
		}
		out = append(out, blob.Locator{
			Provider:  provider.String,
			Key:       key.String,
			Channel:   channel.String,
			MessageID: messageID.Int64,
		})
	}
	return out, rows.Err()
}

// Stats counts objects, referenced payloads and upload outcomes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(is_split), 0), COALESCE(SUM(total_size), 0) FROM objects`).
		Scan(&st.Objects, &st.SplitObjects, &st.Bytes); err != nil {
		return Stats{}, err
	}
	var chunkRows int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunkRows); err != nil {
		return Stats{}, err
	}
	st.Payloads = chunkRows + st.Objects - st.SplitObjects
	if err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN state=? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN state=? THEN 1 ELSE 0 END), 0)
FROM uploads`, UploadFailed, UploadRunning).Scan(&st.FailedUploads, &st.RunningUploads); err != nil {
		return Stats{}, err
	}
	return st, nil
}

const objectSelect = `
SELECT o.object_id, o.name, o.is_split, o.total_size, o.created_at,
	CASE WHEN o.is_split=0 THEN 1 ELSE (SELECT COUNT(*) FROM chunks c WHERE c.object_id=o.object_id) END
FROM objects o`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*Object, error) {
	var (
		obj       Object
		isSplit   int
		createdAt string
	)
	if err := row.Scan(&obj.ID, &obj.Name, &isSplit, &obj.TotalSize, &createdAt, &obj.Chunks); err != nil {
		return nil, err
	}
	obj.IsSplit = isSplit != 0
	obj.CreatedAt = parseTime(createdAt)
	return &obj, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
