package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"tiepoint/internal/config"
	"tiepoint/internal/fitting"
	"tiepoint/internal/logging"
	"tiepoint/internal/pipeline"
	"tiepoint/internal/storage"
	"tiepoint/internal/tasks"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, fitter *fitting.Fitter) *cobra.Command {
	var f tasks.Fitter
	if fitter != nil {
		f = fitter
	}
	return newRootCmd(NewRoot(pipe, cfg, log, store, f))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tiepoint",
		Short: "tiepoint fits 2D transforms to tie-point correspondences",
		Long: `tiepoint estimates Euclidean, affine and projective (homography) transforms
from matched point pairs, in-process or through an external fitting program.
Fits run through a job pipeline and can be served over HTTP and gRPC.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newFitCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newWarpCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newFitCmd(root *Root) *cobra.Command {
	var (
		model    string
		solver   string
		output   string
		remote   string
		jsonOut  bool
		strictly bool
	)

	cmd := &cobra.Command{
		Use:   "fit <tiepoints>",
		Short: "Fit a transform to one tie-point file",
		Long: `Fit a transform to a tie-point file: a JSON document
{"source": [[x, y], ...], "target": [[x, y], ...]} or a binary .match file.

Examples:
  tiepoint fit pairs.json --model homography
  tiepoint fit pairs.match --model affine --output result.json
  tiepoint fit pairs.json --remote localhost:9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := fitting.ParseModel(model)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var meta map[string]any
			if remote != "" {
				meta, err = root.fitRemote(cmd, remote, args[0], m, solver)
			} else {
				var res pipeline.Result
				res, err = root.enqueueAndWait(cmd.Context(), pipeline.Job{
					ID:        pipeline.NewJobID("fit"),
					Type:      pipeline.JobFit,
					InputPath: args[0],
					Output:    output,
					Options:   map[string]any{"model": m.String(), "solver": solver, "strict": strictly, "source": "cli"},
				})
				meta = res.Meta
			}
			if err != nil {
				return err
			}
			if strictly {
				if d, _ := meta["degenerate"].(bool); d {
					return fmt.Errorf("%w: fit of %s is degenerate", fitting.ErrDegenerate, args[0])
				}
			}
			if jsonOut {
				return printJSON(out, meta)
			}
			printFitMeta(out, meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "affine", "transform model (euclidean|affine|homography)")
	cmd.Flags().StringVarP(&solver, "solver", "s", "", "solver name, chosen per model if empty")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the fit result as JSON to this path")
	cmd.Flags().StringVar(&remote, "remote", "", "fit on a remote gRPC service at host:port")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&strictly, "strict", false, "fail when the fit is degenerate")

	return cmd
}

func (r *Root) fitRemote(cmd *cobra.Command, addr, path string, model fitting.Model, solver string) (map[string]any, error) {
	set, err := tasks.LoadTiePoints(path)
	if err != nil {
		return nil, err
	}
	fitter, closeFn, err := r.dialFn(addr)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	res, err := fitter.Fit(cmd.Context(), fitting.Request{Model: model, Solver: solver, Source: set.Source, Target: set.Target})
	if err != nil {
		return nil, fmt.Errorf("remote fit via %s: %w", addr, err)
	}
	return pipeline.FitMeta(res), nil
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		model    string
		solver   string
		output   string
		exts     []string
		parallel int
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Fit every tie-point file in a directory",
		Long: `Fit every tie-point file under a directory in parallel. Failures of
individual files are reported without stopping the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := fitting.ParseModel(model)
			if err != nil {
				return err
			}
			if parallel == 0 {
				parallel = root.cfg.Processing.ParallelJobs
			}
			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        pipeline.NewJobID("batch"),
				Type:      pipeline.JobBatch,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"model":      m.String(),
					"solver":     solver,
					"extensions": exts,
					"parallel":   parallel,
					"source":     "cli",
				},
			})
			if res.Meta == nil && err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if perr := printJSON(out, res.Meta); perr != nil {
					return perr
				}
				return err
			}
			printBatchMeta(cmd, res.Meta)
			return err
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "affine", "transform model (euclidean|affine|homography)")
	cmd.Flags().StringVarP(&solver, "solver", "s", "", "solver name, chosen per model if empty")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the batch summary as JSON to this path")
	cmd.Flags().StringSliceVar(&exts, "ext", []string{".json", ".match"}, "tie-point file extensions")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "fits in flight, processing.parallel_jobs if 0")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")

	return cmd
}

func printBatchMeta(cmd *cobra.Command, meta map[string]any) {
	out := cmd.OutOrStdout()
	if files, ok := meta["files"].([]map[string]any); ok {
		for _, f := range files {
			if e, ok := f["error"]; ok {
				fmt.Fprintf(out, "FAIL %v: %v\n", f["path"], e)
				continue
			}
			fmt.Fprintf(out, "ok   %v rms=%s\n", f["path"], formatNumber(f["rms"]))
		}
	}
	fmt.Fprintf(out, "%v files, %v failed, mean rms %s\n", meta["file_count"], meta["failed"], formatNumber(meta["mean_rms"]))
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		model     string
		exts      []string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Fit tie-point files as they appear",
		Long: `Watch directories for new or changed tie-point files and queue a fit for
each one. Results are written next to the input as <name>.fit.json, or into
--output-dir. Directories default to watch.directories from the config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Watch.Directories
			}
			if len(dirs) == 0 {
				return errors.New("no directories to watch")
			}
			if model == "" {
				model = root.cfg.Watch.Model
			}
			if _, err := fitting.ParseModel(model); err != nil {
				return err
			}
			if len(exts) == 0 {
				exts = root.cfg.Watch.Extensions
			}
			return root.watchLoop(cmd.Context(), dirs, exts, model, outputDir)
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "transform model, watch.model if empty")
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "tie-point file extensions, watch.extensions if empty")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for fit results")

	return cmd
}

func newWarpCmd(root *Root) *cobra.Command {
	var (
		matrix    string
		tiepoints string
		model     string
		output    string
		bestfit   bool
	)

	cmd := &cobra.Command{
		Use:   "warp <image>",
		Short: "Resample an image through a fitted transform",
		Long: `Resample an image with ImageMagick's distort. The transform is either given
as nine row-major numbers or fitted from a tie-point file.

Examples:
  tiepoint warp frame.png --matrix "1,0,12.5,0,1,-3,0,0,1"
  tiepoint warp frame.png --tiepoints pairs.json --model homography -o out.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"bestfit": bestfit, "source": "cli"}
			switch {
			case matrix != "" && tiepoints != "":
				return errors.New("use either --matrix or --tiepoints")
			case matrix != "":
				values, err := parseMatrix(matrix)
				if err != nil {
					return err
				}
				opts["matrix"] = values
			case tiepoints != "":
				m, err := fitting.ParseModel(model)
				if err != nil {
					return err
				}
				opts["tiepoints"] = tiepoints
				opts["model"] = m.String()
			default:
				return errors.New("warp needs --matrix or --tiepoints")
			}

			res, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				ID:        pipeline.NewJobID("warp"),
				Type:      pipeline.JobWarp,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %v (%v projection, %vx%v)\n",
				res.Meta["output"], res.Meta["projection"], res.Meta["width"], res.Meta["height"])
			return nil
		},
	}

	cmd.Flags().StringVar(&matrix, "matrix", "", "nine comma-separated row-major values")
	cmd.Flags().StringVar(&tiepoints, "tiepoints", "", "tie-point file to fit the transform from")
	cmd.Flags().StringVarP(&model, "model", "m", "affine", "model used with --tiepoints")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image, <name>.warped.<ext> if empty")
	cmd.Flags().BoolVar(&bestfit, "bestfit", false, "grow the canvas to hold the whole warped image")

	return cmd
}

func parseMatrix(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) != 9 {
		return nil, fmt.Errorf("matrix needs 9 values, got %d", len(fields))
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("matrix value %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for synchronous fits, queued jobs and live job results.

Routes:
  GET  /healthz     liveness
  POST /fit         fit the tie-point document in the body (?model=&solver=)
  POST /jobs        queue a fit, batch or warp job
  GET  /jobs        recent jobs
  GET  /jobs/{id}   one job with its metadata and fits
  GET  /stream      job results as server-sent events
  GET  /ws          job results over WebSocket

Examples:
  tiepoint serve --addr :8080
  tiepoint serve --addr :8080 --watch /data/pairs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = root.cfg.Server.HTTPAddr
			}
			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)

			if len(watchPaths) > 0 {
				go func() {
					if err := root.watchLoop(ctx, watchPaths, root.cfg.Watch.Extensions, root.cfg.Watch.Model, outputDir); err != nil {
						root.log.Error("watcher stopped", "error", err)
					}
				}()
			}
			return root.serveFn(ctx, addr, root.store, root.pipeline, root.fitter, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, server.http_addr if empty")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to watch for tie-point files")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for watched fit results")

	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Start the gRPC fitting service",
		Long: `Start the tiepoint.Fitter gRPC service. Fit takes and returns a
google.protobuf.Struct; see "tiepoint fit --remote" for a client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.fitter == nil {
				return errors.New("no fitter configured")
			}
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			return root.grpcFn(cmd.Context(), addr, root.fitter, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, server.grpc_addr if empty")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Report external tool availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			status := root.newToolManager().GetToolStatus()

			fmt.Fprintln(out, "tiepoint tool status")
			fmt.Fprintln(out, strings.Repeat("=", 40))
			for _, name := range sortedKeys(status) {
				st := status[name]
				logging.LogToolStatus(root.log, name, st.Available, st.Version, st.Path, st.Error)
				mark := "missing  "
				if st.Available {
					mark = "available"
				}
				fmt.Fprintf(out, "  %-16s %s", name, mark)
				if verbose {
					if st.Version != "" {
						fmt.Fprintf(out, " (%s)", st.Version)
					}
					if st.Path != "" {
						fmt.Fprintf(out, " [%s]", st.Path)
					}
					if st.Error != nil {
						fmt.Fprintf(out, " - %v", st.Error)
					}
				}
				fmt.Fprintln(out)
			}
			if st, ok := status["homography_fit"]; ok && !st.Available {
				fmt.Fprintln(out, "\nHomography fits use the built-in solver; set fitting.homography_fit_path to use an external one.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show versions, paths and errors")
	return cmd
}
