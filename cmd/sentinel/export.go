package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

// runExport snapshots the audit chain into a zip pack. With -out the pack is
// written locally; with AUDIT_EXPORT_BUCKET set it is also pushed to object
// storage for retention. Either way the pack checksum is printed so the
// operator can pin it out of band.
func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "write the snapshot pack to this file")
	region := fs.String("region", envOr("AWS_REGION", "us-east-1"), "object storage region")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "startup failed:", err)
		return 1
	}
	defer func() { _ = d.nonces.Close() }()
	defer func() { _ = d.obs.Shutdown(context.Background()) }()

	var uploader audit.ObjectUploader
	if d.cfg.S3Bucket != "" {
		uploader, err = audit.NewS3Uploader(ctx, audit.S3Config{
			Bucket:   d.cfg.S3Bucket,
			Region:   *region,
			Endpoint: d.cfg.S3Endpoint,
		})
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "export:", err)
			return 1
		}
	}

	exporter := audit.NewExporter(d.entries, uploader)
	pack, checksum, err := exporter.GeneratePack(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "export:", err)
		return 1
	}

	if *out != "" {
		if err := os.WriteFile(*out, pack, 0o600); err != nil {
			_, _ = fmt.Fprintln(stderr, "export:", err)
			return 1
		}
	}
	if uploader != nil {
		if _, err := exporter.Export(ctx); err != nil {
			_, _ = fmt.Fprintln(stderr, "export:", err)
			return 1
		}
	}
	if *out == "" && uploader == nil {
		_, _ = fmt.Fprintln(stderr, "export: nothing to do, pass -out or set AUDIT_EXPORT_BUCKET")
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "snapshot checksum %s (%d bytes)\n", checksum, len(pack))
	return 0
}
