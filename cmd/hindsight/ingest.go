package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/hindsight/catalog"
	"github.com/jamesainslie/hindsight/pkg/hindsight/config"
	"github.com/jamesainslie/hindsight/pkg/hindsight/hasher"
	"github.com/jamesainslie/hindsight/pkg/hindsight/ingest"
	"github.com/jamesainslie/hindsight/pkg/hindsight/output"
	"github.com/jamesainslie/hindsight/pkg/hindsight/parser"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Ingest one JSONL file directly into the catalog",
	Long: `Parse a JSONL conversation log and write it to the catalog without the
daemon. Use - to read the log from stdin.

The file's watch progress is not touched; a file under the watched directory
is still tracked by the daemon on its next change.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		path   string
		resp   *hindsightv1.ReprocessResponse
		ingErr error
	)
	if args[0] == "-" {
		path, resp, ingErr = ingestReader(ctx, cfg, cmd.InOrStdin())
	} else {
		if path, err = filepath.Abs(args[0]); err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		resp, ingErr = ingestFile(ctx, cfg, path)
	}
	if resp == nil {
		return ingErr
	}
	if err := render(cmd.OutOrStdout(), output.Reprocess(path, resp)); err != nil {
		return err
	}
	return ingErr
}

// ingestFile parses path from byte zero and ingests it with source cli.
func ingestFile(ctx context.Context, cfg *config.Config, path string) (*hindsightv1.ReprocessResponse, error) {
	return runOneShot(ctx, cfg, oneShot{path: path, source: types.SourceCLI, parse: path})
}

// ingestReader spools r to a temporary file and ingests it as an upload. The
// upload is labelled by its content digest.
func ingestReader(ctx context.Context, cfg *config.Config, r io.Reader) (string, *hindsightv1.ReprocessResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("reading stdin: %w", err)
	}
	h, err := hasher.New(cfg.Ingest.HashAlgorithm)
	if err != nil {
		return "", nil, err
	}
	digest := h.HashBytes(data)
	label := "upload://" + digest.String()

	tmp, err := os.CreateTemp("", "hindsight-upload-*"+cfg.Watch.Extension)
	if err != nil {
		return "", nil, fmt.Errorf("creating spool file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", nil, fmt.Errorf("writing spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, fmt.Errorf("writing spool file: %w", err)
	}

	resp, err := runOneShot(ctx, cfg, oneShot{
		path:   label,
		source: types.SourceUpload,
		parse:  tmp.Name(),
		hash:   digest,
		raw:    data,
	})
	return label, resp, err
}

type oneShot struct {
	path   string
	source types.SourceType
	parse  string
	hash   types.Digest
	raw    []byte
}

func runOneShot(ctx context.Context, cfg *config.Config, job oneShot) (*hindsightv1.ReprocessResponse, error) {
	h, err := hasher.New(cfg.Ingest.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	opts, err := ingest.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer cat.Close()
	orch := ingest.New(cat, opts...)

	printVerbose("ingesting %s into %s", job.path, cat.Path())
	started := time.Now()
	fail := func(err error) (*hindsightv1.ReprocessResponse, error) {
		recErr := orch.RecordFailure(ctx, ingest.Failure{
			Source:         job.source,
			Path:           job.path,
			Err:            err,
			Attempts:       1,
			Change:         types.Rewrite,
			StartedAt:      started,
			ProcessingTime: time.Since(started),
		})
		if recErr != nil {
			printVerbose("%v", recErr)
		}
		return &hindsightv1.ReprocessResponse{
			Status: ingest.Failed.String(),
			Change: types.Rewrite.String(),
			Error:  err.Error(),
		}, err
	}

	result, err := parser.NewJSONL(h, parser.WithExtension(cfg.Watch.Extension)).Parse(ctx, job.parse)
	if err != nil {
		return fail(err)
	}

	req := ingest.Request{
		Result:         result,
		Path:           job.path,
		Mode:           cfg.UpdateMode(),
		SkipDuplicates: cfg.Ingest.SkipDuplicates,
		Source:         job.source,
		Change:         types.Rewrite,
		ContentHash:    job.hash,
		Raw:            job.raw,
	}
	out := orch.Ingest(ctx, req)
	if out.Kind == ingest.Failed {
		return fail(out.Err)
	}
	return &hindsightv1.ReprocessResponse{
		Status:         out.Kind.String(),
		Change:         types.Rewrite.String(),
		ConversationID: out.Handle.ConversationID,
		Added:          out.Handle.Added,
	}, nil
}
