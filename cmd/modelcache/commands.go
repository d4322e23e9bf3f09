package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/ligustah/modelcache/internal/catalog"
	mchttp "github.com/ligustah/modelcache/internal/http"
	"github.com/ligustah/modelcache/internal/integrity"
	"github.com/ligustah/modelcache/internal/progress"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func listCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog models",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			models := a.catalog.List()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}

			def := a.catalog.Default().ID
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tDEFAULT")
			for _, d := range models {
				marker := ""
				if d.ID == def {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, progress.FormatBytes(d.Size), marker)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func pullCmd(g *globalFlags) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "pull [id...]",
		Short: "Download models into the cache",
		Long: `Download one or more models, resuming partial files. With no IDs the
catalog's default model is pulled. The cached path of each model is
printed on success.`,
		RunE: func(cmd *cobra.Command, ids []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(ids) == 0 {
				ids = []string{a.catalog.Default().ID}
			}
			for _, id := range ids {
				if _, err := a.lookup(id); err != nil {
					return err
				}
			}

			return pull(cmd, a, ids, concurrency, g.quiet)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum parallel downloads (0 = one per model)")
	return cmd
}

func pull(cmd *cobra.Command, a *app, ids []string, concurrency int, quiet bool) error {
	stderr := cmd.ErrOrStderr()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shut the engine down on interrupt so every download publishes its
	// cancelled event and keeps its partial file.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(stderr, "\n[modelcache] Received interrupt, shutting down...")
			a.engine.Close()
		case <-finished:
		}
	}()

	var reporterDone chan struct{}
	if !quiet {
		sub := a.bus.Subscribe()
		reporter := progress.NewReporter(progress.Options{Output: stderr})
		reporterDone = make(chan struct{})
		go func() {
			defer close(reporterDone)
			reporter.Run(context.Background(), sub)
		}()
		defer func() {
			sub.Close()
			<-reporterDone
		}()
	}

	paths := make([]string, len(ids))
	var eg errgroup.Group
	if concurrency > 0 {
		eg.SetLimit(concurrency)
	}
	for i, id := range ids {
		eg.Go(func() error {
			if path, ok := a.engine.ModelPath(ctx, id); ok {
				if !quiet {
					fmt.Fprintf(stderr, "[modelcache] %s: already downloaded\n", id)
				}
				paths[i] = path
				return nil
			}

			path, err := a.engine.Ensure(ctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			paths[i] = path
			return nil
		})
	}
	err := eg.Wait()

	for _, p := range paths {
		if p != "" {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	}
	return err
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id...]",
		Short: "Show the cache state of models",
		Long: `Show whether each model is ready, partially downloaded or missing.
With no IDs every catalog model is shown. Nothing is modified; run verify
to repair stale state.`,
		RunE: func(cmd *cobra.Command, ids []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			models, err := a.resolve(ids)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tSIZE\tPATH")
			for _, d := range models {
				rec, err := a.tracker.Inspect(cmd.Context(), d.ID)
				if err != nil {
					return fmt.Errorf("%s: %w", d.ID, err)
				}
				fmt.Fprintf(w, "%s\t%s\t%s / %s\t%s\n",
					d.ID,
					describe(rec),
					progress.FormatBytes(rec.Size),
					progress.FormatBytes(rec.Expected),
					rec.Path,
				)
			}
			return w.Flush()
		},
	}
}

// describe summarizes a cache record in one word, with percentage for
// partial downloads.
func describe(rec integrity.Record) string {
	switch {
	case rec.Flag && rec.Exists && integrity.WithinTolerance(rec.Size, rec.Expected):
		return "ready"
	case rec.Flag:
		return "stale"
	case rec.Partial():
		if rec.Expected > 0 {
			return fmt.Sprintf("partial (%.1f%%)", float64(rec.Size)/float64(rec.Expected)*100)
		}
		return "partial"
	}
	return "missing"
}

func (a *app) resolve(ids []string) ([]catalog.Descriptor, error) {
	if len(ids) == 0 {
		return a.catalog.List(), nil
	}
	models := make([]catalog.Descriptor, 0, len(ids))
	for _, id := range ids {
		d, err := a.lookup(id)
		if err != nil {
			return nil, err
		}
		models = append(models, d)
	}
	return models, nil
}

func pathCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "path <id>",
		Short: "Print the path of a downloaded model",
		Args:  args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, ids []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.lookup(ids[0]); err != nil {
				return err
			}
			path, ok := a.engine.ModelPath(cmd.Context(), ids[0])
			if !ok {
				return withCode(ExitModelNotFound, fmt.Errorf("model %q is not downloaded", ids[0]))
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func deleteCmd(g *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a model from the cache",
		Long: `Delete a model file and clear its downloaded flag. A partial download
is kept for resume unless --force is given.`,
		Args: args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, ids []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			id := ids[0]
			if _, err := a.lookup(id); err != nil {
				return err
			}

			rec, err := a.tracker.Inspect(cmd.Context(), id)
			if err != nil {
				return withCode(ExitStorageError, err)
			}
			if rec.Partial() && !force {
				return withCode(ExitInvalidArgs, fmt.Errorf(
					"%s has a partial download (%s); use --force to discard it",
					id, progress.FormatBytes(rec.Size)))
			}

			if !a.engine.DeleteModel(cmd.Context(), id) {
				return withCode(ExitStorageError, fmt.Errorf("could not delete %s", id))
			}
			if !g.quiet {
				if rec.Exists {
					fmt.Fprintf(cmd.ErrOrStderr(), "[modelcache] Deleted %s (%s)\n", id, progress.FormatBytes(rec.Size))
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "[modelcache] %s: nothing to delete\n", id)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Also delete partial downloads")
	return cmd
}

// errVerifyFailed reports that at least one remote check failed.
var errVerifyFailed = errors.New("verification failed")

func verifyCmd(g *globalFlags) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "verify [id...]",
		Short: "Check cached models and repair stale state",
		Long: `Run the integrity check over cached models. Flags whose file is missing
or has the wrong size are cleared, and wrongly sized files are removed.
With --remote the source URL of each model is also checked for
availability and size.`,
		RunE: func(cmd *cobra.Command, ids []string) error {
			a, err := g.newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			models, err := a.resolve(ids)
			if err != nil {
				return err
			}

			var client *mchttp.Client
			if remote {
				opts := mchttp.DefaultOptions()
				opts.RetryAttempts = a.cfg.Retry.Attempts
				opts.RetryBackoff = a.cfg.Retry.Backoff
				opts.RetryMaxBackoff = a.cfg.Retry.MaxBackoff
				opts.InactivityTimeout = a.cfg.InactivityTimeout
				client = mchttp.NewClient(opts)
			}

			failed := false
			out := cmd.OutOrStdout()
			for _, d := range models {
				state := "not downloaded"
				if a.tracker.IsDownloaded(cmd.Context(), d.ID) {
					state = "ok"
				}
				fmt.Fprintf(out, "%s: %s\n", d.ID, state)

				if client != nil {
					if err := checkRemote(cmd.Context(), out, client, d); err != nil {
						failed = true
					}
				}
			}

			if failed {
				return withCode(ExitDownloadFailed, errVerifyFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Also check that each source URL is reachable")
	return cmd
}

func checkRemote(ctx context.Context, out io.Writer, client *mchttp.Client, d catalog.Descriptor) error {
	info, err := client.Head(ctx, d.URL)
	if err != nil {
		fmt.Fprintf(out, "%s: remote unavailable: %v\n", d.ID, err)
		return err
	}
	if info.Size > 0 && !integrity.WithinTolerance(info.Size, d.Size) {
		fmt.Fprintf(out, "%s: remote size %s does not match catalog %s\n",
			d.ID, progress.FormatBytes(info.Size), progress.FormatBytes(d.Size))
		return errVerifyFailed
	}
	fmt.Fprintf(out, "%s: remote ok (%s, ranges=%t)\n", d.ID, progress.FormatBytes(info.Size), info.AcceptsRanges)
	return nil
}
