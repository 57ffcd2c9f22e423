// Package ops implements maintenance runs over the catalog and the blob
// transport: status, consistency checks and orphan collection.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kk-code-lab/spillway/internal/meta"
	"github.com/kk-code-lab/spillway/internal/storage/blob"
	"github.com/kk-code-lab/spillway/internal/storage/chunk"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

// ErrNotForced is returned by destructive runs invoked without force.
var ErrNotForced = errors.New("gc: refuse to run without --force")

const errorSampleSize = 5

// Report summarizes an ops run.
type Report struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Mode               string    `json:"mode"`
	Objects            int64     `json:"objects"`
	SplitObjects       int64     `json:"split_objects,omitempty"`
	Referenced         int64     `json:"referenced_payloads"`
	Payloads           int       `json:"payloads,omitempty"`
	Bytes              int64     `json:"bytes,omitempty"`
	StoredBytes        int64     `json:"stored_bytes,omitempty"`
	FailedUploads      int64     `json:"failed_uploads,omitempty"`
	RunningUploads     int64     `json:"running_uploads,omitempty"`
	Errors             int       `json:"errors"`
	ErrorSample        []string  `json:"error_sample,omitempty"`
	Candidates         int       `json:"candidates,omitempty"`
	InFlight           int       `json:"in_flight,omitempty"`
	CandidateIDs       []string  `json:"candidate_ids,omitempty"`
	Deleted            int       `json:"deleted,omitempty"`
	Reclaimed          int64     `json:"reclaimed_bytes,omitempty"`
	MissingPayloads    int       `json:"missing_payloads,omitempty"`
	SizeMismatches     int       `json:"size_mismatches,omitempty"`
	ChecksumMismatches int       `json:"checksum_mismatches,omitempty"`
	InvalidManifests   int       `json:"invalid_manifests,omitempty"`
}

func newReport(mode string) *Report {
	return &Report{Mode: mode, StartedAt: now()}
}

func (r *Report) addError(err error) {
	r.Errors++
	if len(r.ErrorSample) < errorSampleSize {
		r.ErrorSample = append(r.ErrorSample, err.Error())
	}
}

func (r *Report) finish() *Report {
	r.FinishedAt = now()
	return r
}

// Status collects counts from the catalog and, when the transport can enumerate
// its payloads, from the transport too.
func Status(ctx context.Context, catalog *meta.Store, tr blob.Transport) (*Report, error) {
	report := newReport("status")
	st, err := catalog.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.Objects = st.Objects
	report.SplitObjects = st.SplitObjects
	report.Referenced = st.Payloads
	report.Bytes = st.Bytes
	report.FailedUploads = st.FailedUploads
	report.RunningUploads = st.RunningUploads
	if inv, ok := tr.(blob.Inventory); ok {
		payloads, err := inv.List(ctx)
		if err != nil {
			return nil, err
		}
		report.Payloads = len(payloads)
		for _, p := range payloads {
			report.StoredBytes += p.Size
		}
	}
	return report.finish(), nil
}

// Fsck checks that every payload referenced by a published manifest exists and
// has the size the manifest declares.
func Fsck(ctx context.Context, catalog *meta.Store, inv blob.Inventory) (*Report, error) {
	report := newReport("fsck")
	err := eachManifest(ctx, catalog, report, func(m *manifest.Manifest) {
		for _, ref := range payloadRefs(m) {
			info, err := inv.Stat(ctx, ref.loc)
			if errors.Is(err, blob.ErrNotFound) {
				report.MissingPayloads++
				report.addError(fmt.Errorf("object %s chunk %d: missing payload %s", m.ObjectID, ref.index, ref.loc))
				continue
			}
			if err != nil {
				report.addError(fmt.Errorf("object %s chunk %d: %w", m.ObjectID, ref.index, err))
				continue
			}
			if info.Size != ref.size {
				report.SizeMismatches++
				report.addError(fmt.Errorf("object %s chunk %d: payload %s has %d bytes, manifest declares %d", m.ObjectID, ref.index, ref.loc, info.Size, ref.size))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return report.finish(), nil
}

// Scrub streams every referenced payload and compares its checksum with the manifest.
func Scrub(ctx context.Context, catalog *meta.Store, tr blob.Transport) (*Report, error) {
	report := newReport("scrub")
	err := eachManifest(ctx, catalog, report, func(m *manifest.Manifest) {
		for _, ref := range payloadRefs(m) {
			if ctx.Err() != nil {
				return
			}
			sum, n, err := hashPayload(ctx, tr, ref.loc)
			if err != nil {
				if errors.Is(err, blob.ErrNotFound) {
					report.MissingPayloads++
				}
				report.addError(fmt.Errorf("object %s chunk %d: %w", m.ObjectID, ref.index, err))
				continue
			}
			if n != ref.size {
				report.SizeMismatches++
				report.addError(fmt.Errorf("object %s chunk %d: read %d bytes, manifest declares %d", m.ObjectID, ref.index, n, ref.size))
				continue
			}
			if sum != ref.checksum {
				report.ChecksumMismatches++
				report.addError(fmt.Errorf("object %s chunk %d: checksum mismatch in %s", m.ObjectID, ref.index, ref.loc))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report.finish(), nil
}

// GCPlan lists transport payloads that no published manifest references and
// that are older than minAge. These are the leftovers of failed uploads and
// deleted objects. Payloads created after the oldest running upload started
// may belong to that upload and are never candidates.
func GCPlan(ctx context.Context, catalog *meta.Store, inv blob.Inventory, minAge time.Duration) (*Report, []blob.PayloadInfo, error) {
	report := newReport("gc-plan")
	running, err := catalog.ListUploads(ctx, meta.UploadRunning)
	if err != nil {
		return nil, nil, err
	}
	report.RunningUploads = int64(len(running))
	var inFlightSince time.Time
	for _, up := range running {
		if inFlightSince.IsZero() || up.StartedAt.Before(inFlightSince) {
			inFlightSince = up.StartedAt
		}
	}

	refs, err := catalog.ReferencedLocators(ctx)
	if err != nil {
		return nil, nil, err
	}
	report.Referenced = int64(len(refs))
	live := make(map[blob.Locator]struct{}, len(refs))
	for _, loc := range refs {
		live[loc] = struct{}{}
	}

	payloads, err := inv.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	report.Payloads = len(payloads)

	cutoff := now().Add(-minAge)
	var candidates []blob.PayloadInfo
	for _, p := range payloads {
		report.StoredBytes += p.Size
		if _, ok := live[p.Locator]; ok {
			continue
		}
		if p.CreatedAt.After(cutoff) {
			continue
		}
		if !inFlightSince.IsZero() && !p.CreatedAt.Before(inFlightSince) {
			report.InFlight++
			continue
		}
		candidates = append(candidates, p)
		report.CandidateIDs = append(report.CandidateIDs, p.Locator.String())
	}
	report.Candidates = len(candidates)
	return report.finish(), candidates, nil
}

// GCRun deletes the payloads GCPlan selects.
func GCRun(ctx context.Context, catalog *meta.Store, inv blob.Inventory, minAge time.Duration, force bool) (*Report, error) {
	if !force {
		return nil, ErrNotForced
	}
	report, candidates, err := GCPlan(ctx, catalog, inv, minAge)
	if err != nil {
		return nil, err
	}
	report.Mode = "gc-run"
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := inv.Delete(ctx, p.Locator); err != nil {
			report.addError(err)
			continue
		}
		report.Deleted++
		report.Reclaimed += p.Size
	}
	return report.finish(), nil
}

// Snapshot checkpoints the catalog and copies its SQLite files to outDir along
// with a status report.
func Snapshot(ctx context.Context, catalog *meta.Store, tr blob.Transport, metaPath, outDir string) (*Report, error) {
	if outDir == "" {
		return nil, errors.New("ops: snapshot output dir required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := catalog.Flush(); err != nil {
		return nil, err
	}
	report, err := Status(ctx, catalog, tr)
	if err != nil {
		return nil, err
	}
	report.Mode = "snapshot"
	if err := copyFile(metaPath, filepath.Join(outDir, "meta.db")); err != nil {
		return nil, err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := copyFile(metaPath+suffix, filepath.Join(outDir, "meta.db"+suffix)); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	report.finish()
	if err := writeJSON(filepath.Join(outDir, "snapshot.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}

type payloadRef struct {
	index    int
	loc      blob.Locator
	size     int64
	checksum [32]byte
}

func payloadRefs(m *manifest.Manifest) []payloadRef {
	if !m.IsSplit {
		return []payloadRef{{index: 0, loc: *m.Single, size: m.TotalSize, checksum: m.SingleChecksum}}
	}
	out := make([]payloadRef, 0, len(m.Chunks))
	for _, ch := range m.Chunks {
		out = append(out, payloadRef{index: ch.Index, loc: ch.Locator, size: ch.Size, checksum: ch.Checksum})
	}
	return out
}

func eachManifest(ctx context.Context, catalog *meta.Store, report *Report, fn func(*manifest.Manifest)) error {
	objects, err := catalog.ListObjects(ctx)
	if err != nil {
		return err
	}
	report.Objects = int64(len(objects))
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := catalog.GetManifest(ctx, obj.ID)
		if err != nil {
			if errors.Is(err, manifest.ErrInvalidManifest) {
				report.InvalidManifests++
			}
			report.addError(err)
			continue
		}
		if m.IsSplit {
			report.SplitObjects++
		}
		report.Referenced += int64(m.ChunkCount())
		fn(m)
	}
	return nil
}

func hashPayload(ctx context.Context, tr blob.Transport, loc blob.Locator) ([32]byte, int64, error) {
	stream, err := tr.GetStream(ctx, loc, 0)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer stream.Close()
	h := chunk.NewHasher()
	n, err := io.Copy(h, stream)
	if err != nil {
		return [32]byte{}, n, blob.Wrap("get", loc, err)
	}
	return chunk.Sum(h), n, nil
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
