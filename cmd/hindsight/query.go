package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	hindsightv1 "github.com/jamesainslie/hindsight/pkg/api/hindsight/v1"
	"github.com/jamesainslie/hindsight/pkg/client"
	"github.com/jamesainslie/hindsight/pkg/hindsight/output"
	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and pipeline counters",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var filesCmd = &cobra.Command{
	Use:   "files [root]",
	Short: "List tracked files and their ingested offsets",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFiles,
}

var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Show the retry queue",
	Args:  cobra.NoArgs,
	RunE:  runRetries,
}

var failuresCmd = &cobra.Command{
	Use:   "failures [path]",
	Short: "List recorded ingestion failures",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFailures,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <path>",
	Short: "Forget a file's progress and ingest it from the start",
	Args:  cobra.ExactArgs(1),
	RunE:  runReprocess,
}

var eventsCmd = &cobra.Command{
	Use:   "events [root]",
	Short: "Follow pipeline events",
	Long: `Follow pipeline events until interrupted.

Kinds: ingested, duplicate, failed, exhausted, renamed, removed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvents,
}

func init() {
	statusCmd.Flags().Int("errors", 10, "number of recent log errors to show")
	filesCmd.Flags().IntP("limit", "n", 0, "maximum files to list (0 = all)")
	filesCmd.Flags().BoolP("tree", "t", false, "group files by directory")
	failuresCmd.Flags().BoolP("exhausted", "x", false, "only files that exhausted their retries")
	failuresCmd.Flags().IntP("limit", "n", 50, "maximum records to list")
	eventsCmd.Flags().StringSliceP("kind", "k", nil, "event kinds to follow (default all)")

	rootCmd.AddCommand(statusCmd, filesCmd, retriesCmd, failuresCmd, reprocessCmd, eventsCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("errors")
	return withClient(func(ctx context.Context, c *client.Client) error {
		st, err := c.GetStatus(ctx, n)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), output.Status(st))
	})
}

func runFiles(cmd *cobra.Command, args []string) error {
	root, err := optionalAbs(args)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	asTree, _ := cmd.Flags().GetBool("tree")
	return withClient(func(ctx context.Context, c *client.Client) error {
		files, err := c.ListFiles(ctx, root, limit)
		if err != nil {
			return err
		}
		if !asTree {
			return render(cmd.OutOrStdout(), output.Files(files))
		}
		if root == "" {
			st, err := c.GetStatus(ctx, 0)
			if err != nil {
				return err
			}
			root = st.WatchDir
		}
		return render(cmd.OutOrStdout(), output.FileTree(root, files))
	})
}

func runRetries(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *client.Client) error {
		resp, err := c.ListRetries(ctx)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), output.Retries(resp))
	})
}

func runFailures(cmd *cobra.Command, args []string) error {
	path, err := optionalAbs(args)
	if err != nil {
		return err
	}
	exhausted, _ := cmd.Flags().GetBool("exhausted")
	limit, _ := cmd.Flags().GetInt("limit")
	return withClient(func(ctx context.Context, c *client.Client) error {
		resp, err := c.ListFailures(ctx, &hindsightv1.ListFailuresRequest{
			Path:          path,
			ExhaustedOnly: exhausted,
			Limit:         limit,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), output.Failures(resp.Failures))
	})
}

func runReprocess(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	return withClient(func(ctx context.Context, c *client.Client) error {
		resp, rerr := c.Reprocess(ctx, path)
		if resp == nil {
			return rerr
		}
		if err := render(cmd.OutOrStdout(), output.Reprocess(path, resp)); err != nil {
			return err
		}
		return rerr
	})
}

func runEvents(cmd *cobra.Command, args []string) error {
	root, err := optionalAbs(args)
	if err != nil {
		return err
	}
	names, _ := cmd.Flags().GetStringSlice("kind")
	kinds := make([]types.EventKind, 0, len(names))
	for _, name := range names {
		k, err := types.ParseEventKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, k)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	c, err := connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	events, err := c.WatchEvents(ctx, root, kinds)
	if err != nil {
		return err
	}
	printVerbose("following events under %q", root)

	w := cmd.OutOrStdout()
	for ev := range events {
		var err error
		switch outputFormat {
		case "table", "plain":
			_, err = fmt.Fprintln(w, output.EventLine(ev, outputFormat == "table"))
		case "json":
			err = output.Write(w, "jsonl", output.Event(ev))
		default:
			err = output.Write(w, outputFormat, output.Event(ev))
		}
		if err != nil {
			return err
		}
	}
	if ctx.Err() == nil {
		return errors.New("event stream closed by daemon")
	}
	return nil
}

// optionalAbs returns the first argument as an absolute path, or "".
func optionalAbs(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	p, err := filepath.Abs(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return p, nil
}
