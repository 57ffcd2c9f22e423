package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/kk-code-lab/spillway/internal/config"
	"github.com/kk-code-lab/spillway/internal/meta"
	"github.com/kk-code-lab/spillway/internal/storage/manifest"
	"github.com/kk-code-lab/spillway/internal/storage/upload"
)

func runPut(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("put", "put <file> [--name NAME]")
	name := fs.String("name", "", "object name (default: file base name)")
	progress := fs.Bool("progress", false, "report each stored chunk on stderr")
	jsonOut := fs.Bool("json", false, "print the object as JSON")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError(ErrPathRequired.Error())
	}
	path := fs.Arg(0)
	if *name == "" {
		*name = filepath.Base(path)
	}
	var onProgress upload.ProgressFunc
	if *progress {
		onProgress = func(sent, total int64) {
			fmt.Fprintf(c.stderr, "stored %s / %s\n", humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(total)))
		}
	}
	e, err := openEnv(ctx, cfg, log, onProgress)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	obj, err := e.engine.StoreFile(ctx, *name, path)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(c.stdout, obj)
	}
	fmt.Fprintln(c.stdout, obj.ID)
	return nil
}

func runGet(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("get", "get <id> [--range START-END] [-o FILE]")
	rangeSpec := fs.String("range", "", "inclusive byte range START-END; END may be omitted for end of object")
	outPath := fs.StringP("output", "o", "", "write to FILE instead of stdout")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError(ErrObjectIDRequired.Error())
	}
	id := fs.Arg(0)
	full := *rangeSpec == ""
	var start, end int64
	if !full {
		if start, end, err = parseByteRange(*rangeSpec); err != nil {
			return usageError(err.Error())
		}
	}

	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	var r io.ReadCloser
	if full {
		r, _, err = e.engine.OpenFull(ctx, id)
	} else {
		r, _, err = e.engine.OpenRange(ctx, id, start, end)
	}
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if *outPath == "" {
		_, err = io.Copy(c.stdout, r)
		return err
	}
	return writeFileAtomic(*outPath, r)
}

// parseByteRange parses "START-END" or "START-"; a missing END is returned as -1.
func parseByteRange(s string) (int64, int64, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok || startStr == "" {
		return 0, 0, fmt.Errorf("invalid range %q: want START-END or START-", s)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", startStr)
	}
	if endStr == "" {
		return start, -1, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", endStr)
	}
	return start, end, nil
}

func writeFileAtomic(path string, r io.Reader) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func runPlan(_ context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("plan", "plan --size SIZE [--max-chunk-size SIZE]")
	sizeFlag := fs.String("size", "", "object size, e.g. 5GB")
	jsonOut := fs.Bool("json", false, "print the plan as JSON")
	cfg, _, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if *sizeFlag == "" {
		return usageError(ErrSizeRequired.Error())
	}
	size, err := config.ParseSize(*sizeFlag)
	if err != nil {
		return usageError(fmt.Sprintf("invalid size %q: %v", *sizeFlag, err))
	}
	spans, err := upload.PlanUpload(size, cfg.MaxChunkSize)
	if err != nil {
		return usageError(err.Error())
	}
	if *jsonOut {
		return writeJSON(c.stdout, spans)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tOFFSET\tLEN\tSIZE")
	for i, sp := range spans {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", i, sp.Offset, sp.Len, config.FormatSize(sp.Len))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d chunk(s), max %s\n", len(spans), config.FormatSize(cfg.MaxChunkSize))
	return nil
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("ls", "ls [--json]")
	jsonOut := fs.Bool("json", false, "print objects as JSON")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	objects, err := e.engine.List(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(c.stdout, objects)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tCHUNKS\tCREATED")
	for _, obj := range objects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			obj.ID, obj.Name, config.FormatSize(obj.TotalSize), obj.Chunks, humanize.Time(obj.CreatedAt))
	}
	return w.Flush()
}

func runRemove(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("rm", "rm <id>...")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usageError(ErrObjectIDRequired.Error())
	}
	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	var errs []error
	for _, id := range fs.Args() {
		if err := e.engine.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runExport(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("export", "export <id> -o FILE [--format binary|cbor|json]")
	outPath := fs.StringP("output", "o", "", "manifest output file")
	format := fs.String("format", "binary", "manifest encoding: binary, cbor or json")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError(ErrObjectIDRequired.Error())
	}
	if *outPath == "" {
		return usageError(ErrOutputRequired.Error())
	}
	var codec manifest.Codec
	switch strings.ToLower(*format) {
	case "binary":
		codec = &manifest.BinaryCodec{}
	case "cbor":
		codec = &manifest.CBORCodec{}
	case "json":
	default:
		return usageError(fmt.Sprintf("unknown manifest format %q", *format))
	}

	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	m, err := e.engine.Manifest(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		if codec == nil {
			pw.CloseWithError(writeJSON(pw, m))
			return
		}
		pw.CloseWithError(codec.Encode(pw, m))
	}()
	return writeFileAtomic(*outPath, pr)
}

func runUploads(ctx context.Context, c *cli, args []string) error {
	fs := c.newFlagSet("uploads", "uploads [--state RUNNING|DONE|FAILED]")
	state := fs.String("state", "", "only show uploads in this state")
	jsonOut := fs.Bool("json", false, "print uploads as JSON")
	cfg, log, err := c.parse(fs, args)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	uploads, err := e.catalog.ListUploads(ctx, strings.ToUpper(*state))
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(c.stdout, uploads)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UPLOAD\tNAME\tSIZE\tSTATE\tOBJECT\tORPHANS\tERROR")
	for _, up := range uploads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			up.ID, up.Name, config.FormatSize(up.TotalSize), up.State, dash(up.ObjectID), len(up.Orphans), dash(uploadError(up)))
	}
	return w.Flush()
}

func uploadError(up meta.Upload) string {
	if up.State != meta.UploadFailed {
		return ""
	}
	if up.FailedChunk >= 0 {
		return fmt.Sprintf("chunk %d: %s", up.FailedChunk, up.Error)
	}
	return up.Error
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
