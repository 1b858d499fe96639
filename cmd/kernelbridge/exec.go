package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kernelbridge/internal/channel"
	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/mapper"
	"kernelbridge/internal/output"
	"kernelbridge/internal/render"
)

var (
	execCode    string
	execKernel  string
	execToken   string
	execTimeout time.Duration
	plainOutput bool
)

var execCmd = &cobra.Command{
	Use:   "exec <document>...",
	Short: "Run notebook cells against the configured kernel",
	Long: `Runs every code cell of each .dib document, in order, against one kernel
process per document. Documents run concurrently; their outputs are printed
in argument order.

With --code, the given code is submitted as a single cell for the document
named by the only argument, which need not exist.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <document>",
	Short: "Ask the kernel for diagnostics without running code",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagnose,
}

func init() {
	execCmd.Flags().StringVarP(&execCode, "code", "c", "", "Code to submit instead of reading the document")
	execCmd.Flags().StringVarP(&execKernel, "kernel", "k", "csharp", "Target kernel for cells without a #! switch")
	execCmd.Flags().StringVar(&execToken, "token", "", "Correlation token (suffixed with the cell id)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Per-cell timeout (overrides execution.default_timeout)")
	execCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print markdown and HTML outputs without styling")

	diagnoseCmd.Flags().StringVarP(&execCode, "code", "c", "", "Code to check")
	diagnoseCmd.Flags().StringVarP(&execKernel, "kernel", "k", "csharp", "Target kernel")
	_ = diagnoseCmd.MarkFlagRequired("code")
}

// job is one document and the cells to run in it.
type job struct {
	ID    document.Identity
	Cells []document.Cell
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	jobs, err := execJobs(args)
	if err != nil {
		return err
	}

	m := mapper.New(channel.NewStdioFactory(cfg.StdioOptions()), cfg.ClientConfig())
	defer func() {
		if err := m.DisposeAll(context.Background()); err != nil {
			logger.Warn("failed to stop kernels", zap.Error(err))
		}
	}()

	return runJobs(ctx, cmd.OutOrStdout(), m, jobs)
}

func execJobs(args []string) ([]job, error) {
	if execCode != "" {
		if len(args) != 1 {
			return nil, fmt.Errorf("--code needs exactly one document, got %d", len(args))
		}
		id, err := document.FromPath(args[0])
		if err != nil {
			return nil, err
		}
		return []job{{ID: id, Cells: []document.Cell{{ID: "cell-1", Kernel: execKernel, Code: execCode}}}}, nil
	}

	matcher, err := cfg.Matcher()
	if err != nil {
		return nil, err
	}
	jobs := make([]job, 0, len(args))
	for _, arg := range args {
		id, err := document.FromPath(arg)
		if err != nil {
			return nil, err
		}
		if !matcher.Match(id) {
			return nil, fmt.Errorf("%s is not a notebook (patterns: %v)", arg, matcher.Patterns())
		}
		content, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg, err)
		}
		jobs = append(jobs, job{ID: id, Cells: document.ParseDib(string(content), execKernel)})
	}
	return jobs, nil
}

// runJobs runs documents concurrently and cells sequentially within each
// document. Output is buffered per document and written in job order. A
// document whose kernel cannot be started fails only its own cells.
func runJobs(ctx context.Context, out io.Writer, m *mapper.Mapper, jobs []job) error {
	r := render.New(render.Options{Plain: plainOutput})
	buffers := make([]bytes.Buffer, len(jobs))
	var failed, total atomic.Int32

	var g errgroup.Group
	for i := range jobs {
		i := i
		g.Go(func() error {
			w := &buffers[i]
			total.Add(int32(len(jobs[i].Cells)))
			c, err := m.GetOrCreate(ctx, jobs[i].ID)
			if err != nil {
				logger.Warn("failed to start kernel", zap.String("document", jobs[i].ID.String()), zap.Error(err))
				for _, cell := range jobs[i].Cells {
					failed.Add(1)
					writeCellFailure(r, w, cell, err)
				}
				return nil
			}
			for _, cell := range jobs[i].Cells {
				if err := runCell(ctx, c, r, w, cell); err != nil {
					failed.Add(1)
					logger.Debug("cell failed", zap.String("document", jobs[i].ID.String()), zap.String("cell", cell.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range jobs {
		if len(jobs) > 1 {
			fmt.Fprintf(out, "== %s\n", jobs[i].ID)
		}
		_, _ = buffers[i].WriteTo(out)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d cells failed", n, total.Load())
	}
	return nil
}

func runCell(ctx context.Context, c *kernel.Client, r *render.Renderer, w io.Writer, cell document.Cell) error {
	opts := kernel.ExecuteOptions{ID: cell.ID, Timeout: execTimeout}
	if execToken != "" {
		opts.Token = execToken + "/" + cell.ID
	}

	// Diagnostics arrive on the channel's reader goroutine.
	lw := &lockedWriter{w: w}
	fmt.Fprintf(lw, "-- %s (%s)\n", cell.ID, cell.Kernel)
	entries, err := c.Execute(ctx, cell.Code, cell.Kernel, nil, func(d []contracts.Diagnostic) {
		fmt.Fprint(lw, render.Diagnostics(d))
	}, opts)
	fmt.Fprint(lw, r.Entries(entries))
	return err
}

// writeCellFailure prints a cell that never reached a kernel, with the same
// error entry a failed submission records.
func writeCellFailure(r *render.Renderer, w io.Writer, cell document.Cell, err error) {
	p := output.NewProjector(nil)
	p.OnCommandFailed("Error", err.Error())
	fmt.Fprintf(w, "-- %s (%s)\n", cell.ID, cell.Kernel)
	fmt.Fprint(w, r.Entries(p.Entries()))
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	id, err := document.FromPath(args[0])
	if err != nil {
		return err
	}
	m := mapper.New(channel.NewStdioFactory(cfg.StdioOptions()), cfg.ClientConfig())
	defer m.DisposeAll(context.Background())

	c, err := m.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	diags, err := c.Diagnose(ctx, execCode, execKernel, kernel.ExecuteOptions{})
	if err != nil {
		return err
	}
	if len(diags) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no diagnostics")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), render.Diagnostics(diags))
	return nil
}
