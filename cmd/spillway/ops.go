package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kk-code-lab/spillway/internal/ops"
)

func runOps(ctx context.Context, c *cli, args []string) error {
	mode := args[0]
	fs := c.newFlagSet(mode, mode+" [flags]")
	jsonOut := fs.Bool("json", false, "output the report as JSON")
	force := fs.Bool("force", false, "delete payloads (required for gc-run)")
	snapshotDir := fs.String("snapshot-dir", "", "snapshot output directory (default under data-dir/snapshots)")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError(fmt.Sprintf("unknown arguments: %v", fs.Args()))
	}
	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	var report *ops.Report
	switch mode {
	case "status":
		report, err = ops.Status(ctx, e.catalog, e.blobs)
	case "fsck":
		report, err = ops.Fsck(ctx, e.catalog, e.blobs)
	case "scrub":
		report, err = ops.Scrub(ctx, e.catalog, e.blobs)
	case "snapshot":
		dir := *snapshotDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "snapshots", "snapshot-"+fmtTime())
		}
		report, err = ops.Snapshot(ctx, e.catalog, e.blobs, cfg.MetaPath(), dir)
	case "gc-plan":
		report, _, err = ops.GCPlan(ctx, e.catalog, e.blobs, cfg.GCMinAge)
	case "gc-run":
		report, err = ops.GCRun(ctx, e.catalog, e.blobs, cfg.GCMinAge, *force)
	default:
		return usageError(fmt.Sprintf("unknown mode %q", mode))
	}
	if err != nil {
		return err
	}
	log.Debug("ops finished", "mode", mode, "dur", report.FinishedAt.Sub(report.StartedAt))
	if *jsonOut {
		err = writeJSON(c.stdout, report)
	} else {
		err = printReport(c.stdout, report)
	}
	if err != nil {
		return err
	}
	if report.Errors > 0 && (mode == "fsck" || mode == "scrub") {
		return &exitCodeError{code: exitIntegrity, msg: fmt.Sprintf("%s found %d error(s)", mode, report.Errors)}
	}
	return nil
}

func fmtTime() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

func printReport(w io.Writer, r *ops.Report) error {
	_, err := fmt.Fprintf(w, "mode=%s objects=%d referenced=%d payloads=%d bytes=%s errors=%d\n",
		r.Mode, r.Objects, r.Referenced, r.Payloads, humanize.IBytes(uint64(max(r.Bytes, r.StoredBytes))), r.Errors)
	if err != nil {
		return err
	}
	switch r.Mode {
	case "status":
		fmt.Fprintf(w, "split_objects=%d failed_uploads=%d running_uploads=%d\n", r.SplitObjects, r.FailedUploads, r.RunningUploads)
	case "fsck", "scrub":
		fmt.Fprintf(w, "missing=%d size_mismatches=%d checksum_mismatches=%d invalid_manifests=%d\n",
			r.MissingPayloads, r.SizeMismatches, r.ChecksumMismatches, r.InvalidManifests)
	case "gc-plan", "gc-run":
		fmt.Fprintf(w, "candidates=%d deleted=%d reclaimed=%s in_flight=%d running_uploads=%d\n",
			r.Candidates, r.Deleted, humanize.IBytes(uint64(r.Reclaimed)), r.InFlight, r.RunningUploads)
		for _, id := range r.CandidateIDs {
			fmt.Fprintln(w, "  "+id)
		}
	}
	for _, msg := range r.ErrorSample {
		fmt.Fprintln(w, "error: "+msg)
	}
	return nil
}
