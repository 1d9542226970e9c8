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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/cheggaaa/pb.v1"

	"github.com/nemanja-m/mvexec/internal/engine/core"
	"github.com/nemanja-m/mvexec/internal/engine/kinds"
	"github.com/nemanja-m/mvexec/internal/engine/service"
	"github.com/nemanja-m/mvexec/internal/engine/storage"
	"github.com/nemanja-m/mvexec/internal/engine/worker"
	"github.com/nemanja-m/mvexec/internal/shared/config"
	"github.com/nemanja-m/mvexec/internal/shared/logging"

	_ "github.com/nemanja-m/mvexec/examples/grep"
	_ "github.com/nemanja-m/mvexec/examples/head"
	_ "github.com/nemanja-m/mvexec/examples/rowcount"
	_ "github.com/nemanja-m/mvexec/examples/wordcount"
)

const progressInterval = 100 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "viewq: %v\n", err)
		os.Exit(1)
	}
}

// run executes one job over a view and writes its JSON encoded result to
// stdout. Logs, progress and the summary line go to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	engineFlags := pflag.NewFlagSet("engine", pflag.ContinueOnError)
	engineFlags.String("storage.type", "local", "block storage backend (local, s3)")
	engineFlags.String("storage.root", "./views", "root directory of local views")
	engineFlags.String("storage.pattern", "**/*.blk", "glob matching the blocks of a view")
	engineFlags.String("storage.s3.bucket", "", "bucket holding the views")
	engineFlags.String("storage.s3.prefix", "", "key prefix of the views")
	engineFlags.Int("pool.workers", 0, "number of resident workers")
	engineFlags.String("logging.level", "warn", "log level")

	flags := pflag.NewFlagSet("viewq", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to engine config file")
	view := flags.String("view", "", "view file to run the job over")
	kind := flags.String("kind", "", "job kind")
	params := flags.StringToString("param", nil, "job parameter as key=value, repeatable")
	progress := flags.Bool("progress", true, "show a progress bar over delivered blocks")
	flags.AddFlagSet(engineFlags)

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *view == "" || *kind == "" {
		return fmt.Errorf("--view and --kind are required, available kinds: %v", kindNames())
	}

	cfg, err := config.LoadEngine(*configPath, engineFlags)
	if err != nil {
		return err
	}
	if !engineFlags.Changed("logging.level") {
		cfg.Logging.Level = "warn"
	}
	logger := logging.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, stderr)

	blocks, err := storage.NewBlockStore(cfg.Storage, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := worker.NewPool(cfg.Pool, blocks, logger)
	pool.Start(ctx)
	defer pool.Close()

	opts := core.JobOptions{
		Timeout:      cfg.Job.Timeout,
		TaskExpiry:   cfg.Job.TaskExpiry,
		PollInterval: cfg.Job.PollInterval,
	}
	jobService := service.NewJobService(storage.NewInMemoryJobStore(), blocks, pool, kinds.Default, opts, logger)
	go service.NewJobMonitor(cfg.Job.UpdateInterval, 0, jobService, logger).Start(ctx)

	job, err := jobService.SubmitJob(ctx, core.JobRequest{Kind: *kind, File: *view, Params: *params})
	if err != nil {
		return err
	}

	stopProgress := func() {}
	if *progress {
		stopProgress = showProgress(job, stderr)
	}

	result, err := jobService.WaitJob(ctx, job.ID())
	if err == nil && !job.IsCompleted() && !job.IsCanceled() {
		// A streaming job is ready with its first blocks, wait for the rest.
		if err = waitCompleted(ctx, job); err == nil {
			result, err = jobService.WaitJob(ctx, job.ID())
		}
	}
	stopProgress()
	if err != nil {
		if ctx.Err() != nil {
			jobService.CancelJob(job.ID())
		}
		return err
	}
	if job.IsCanceled() {
		return fmt.Errorf("job %s canceled", job.ID())
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	p := job.Progress()
	fmt.Fprintf(stderr, "%s: %d/%d blocks, %s, %s\n",
		job.State(), p.Succeeded, p.Total, humanize.Bytes(uint64(job.TotalBytes())), elapsed(job))
	return nil
}

// showProgress drives a progress bar from the job's delivered blocks until
// the returned stop function is called.
func showProgress(job *core.JobStatus, out io.Writer) func() {
	bar := pb.New(job.Progress().Total).Prefix(job.Descriptor().Kind + " ")
	bar.Output = out
	bar.Start()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			p := job.Progress()
			bar.Set(p.Succeeded + p.Failed)
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		p := job.Progress()
		bar.Set(p.Succeeded + p.Failed)
		bar.Finish()
	}
}

func waitCompleted(ctx context.Context, job *core.JobStatus) error {
	select {
	case <-job.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func elapsed(job *core.JobStatus) time.Duration {
	started, ended := job.StartedAt(), job.EndedAt()
	if started == nil {
		return 0
	}
	if ended == nil {
		return time.Since(*started).Round(time.Millisecond)
	}
	return ended.Sub(*started).Round(time.Millisecond)
}

func kindNames() []string {
	var names []string
	for _, kind := range kinds.Default.List() {
		names = append(names, kind.Name)
	}
	return names
}
