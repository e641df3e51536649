package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tiepoint/internal/config"
	"tiepoint/internal/fsutil"
	"tiepoint/internal/grpcserver"
	"tiepoint/internal/pipeline"
	"tiepoint/internal/server"
	"tiepoint/internal/storage"
	"tiepoint/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type toolManager interface {
	GetToolStatus() map[string]tasks.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, fitter tasks.Fitter, log *slog.Logger) error

type grpcFunc func(ctx context.Context, addr string, fitter tasks.Fitter, log *slog.Logger) error

// remoteDialer connects to a remote fitting service. The returned close
// function releases the connection.
type remoteDialer func(addr string) (tasks.Fitter, func() error, error)

// watchFunc starts watching dirs and returns the event stream and a stop function.
type watchFunc func(dirs, exts []string, debounce time.Duration, log *slog.Logger) (<-chan tasks.FileSystemEvent, func() error, error)

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, fitter tasks.Fitter, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	return server.Serve(ctx, addr, store, real, fitter, log)
}

func defaultDial(addr string) (tasks.Fitter, func() error, error) {
	client, err := grpcserver.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func defaultWatch(dirs, exts []string, debounce time.Duration, log *slog.Logger) (<-chan tasks.FileSystemEvent, func() error, error) {
	w, err := tasks.NewFileSystemWatcher(dirs, exts, debounce, log)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return nil, nil, err
	}
	return w.Events, w.Stop, nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	fitter      tasks.Fitter
	toolFactory toolManagerFactory
	serveFn     serverFunc
	grpcFn      grpcFunc
	dialFn      remoteDialer
	watchFn     watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, fitter tasks.Fitter) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		fitter:   fitter,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
		grpcFn:  grpcserver.Serve,
		dialFn:  defaultDial,
		watchFn: defaultWatch,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// watchLoop queues a fit job for every tie-point file that appears or changes
// under dirs until ctx is done. Results land in outputDir as <name>.fit.json.
func (r *Root) watchLoop(ctx context.Context, dirs, exts []string, model, outputDir string) error {
	events, stop, err := r.watchFn(dirs, exts, r.cfg.Watch.DebounceDuration(), r.log)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer stop()
	r.log.Info("watching for tie-point files", "dirs", dirs, "extensions", exts, "model", model)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Operation != "created" && ev.Operation != "modified" {
				continue
			}
			if strings.HasSuffix(ev.Path, resultSuffix) {
				continue
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("fit"),
				Type:      pipeline.JobFit,
				InputPath: ev.Path,
				Output:    resultPath(ev.Path, outputDir),
				Options:   map[string]any{"model": model, "source": "watch"},
			}
			if err := r.enqueue(ctx, job); err != nil {
				r.log.Warn("failed to queue watched file", "path", ev.Path, "error", err)
			}
		}
	}
}

const resultSuffix = ".fit.json"

func resultPath(input, outputDir string) string {
	return fsutil.SiblingPath(input, outputDir, resultSuffix)
}

func printFitMeta(w io.Writer, meta map[string]any) {
	fmt.Fprintf(w, "Model:        %v\n", meta["model"])
	fmt.Fprintf(w, "Solver:       %v\n", meta["solver"])
	fmt.Fprintf(w, "Points:       %v\n", meta["points"])
	fmt.Fprintf(w, "RMS:          %s\n", formatNumber(meta["rms"]))
	fmt.Fprintf(w, "Max residual: %s\n", formatNumber(meta["max_residual"]))
	fmt.Fprintf(w, "Transform:\n")
	for _, row := range matrixRows(meta["matrix"]) {
		fmt.Fprintf(w, "  [%s]\n", row)
	}
	if d, ok := meta["degenerate"].(bool); ok && d {
		fmt.Fprintf(w, "Degenerate:   true\n")
	}
	for _, warn := range warningList(meta["warnings"]) {
		fmt.Fprintf(w, "Warning: %s\n", warn)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatNumber(v any) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.6g", f)
	}
	return fmt.Sprint(v)
}

// matrixRows renders the matrix option, which is [3][3]float64 from the
// pipeline or a flat list after JSON decoding.
func matrixRows(v any) []string {
	var flat []float64
	switch m := v.(type) {
	case [3][3]float64:
		for _, row := range m {
			flat = append(flat, row[:]...)
		}
	case []float64:
		flat = m
	case []any:
		for _, item := range m {
			switch x := item.(type) {
			case float64:
				flat = append(flat, x)
			case []any:
				for _, y := range x {
					if f, ok := y.(float64); ok {
						flat = append(flat, f)
					}
				}
			}
		}
	}
	if len(flat) != 9 {
		return nil
	}
	rows := make([]string, 3)
	for i := range rows {
		rows[i] = fmt.Sprintf("%12.6g %12.6g %12.6g", flat[i*3], flat[i*3+1], flat[i*3+2])
	}
	return rows
}

func warningList(v any) []string {
	switch w := v.(type) {
	case []string:
		return w
	case []any:
		out := make([]string, 0, len(w))
		for _, item := range w {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
