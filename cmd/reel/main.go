package main

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/muxer"
	"github.com/zsiec/reel/internal/output"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/reader"
	"github.com/zsiec/reel/internal/source"
	"github.com/zsiec/reel/internal/statusapi"
	"github.com/zsiec/reel/internal/stream"
	"github.com/zsiec/reel/internal/vfr"
)

var version = "dev"

// Exit codes.
const (
	exitFailed       = 1
	exitSourceFailed = 3
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitFailed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	key := envOr("REEL_JOB_KEY", jobKey(cfg.Input))
	slog.Info("reel starting",
		"version", version,
		"job", key,
		"input", cfg.Input,
		"output", cfg.Output,
		"format", cfg.Format,
		"status", cfg.StatusAddr,
	)

	a := &app{
		cfg:     cfg,
		mgr:     stream.NewManager(nil),
		metrics: metrics.New(),
	}
	os.Exit(a.run(ctx, key))
}

type app struct {
	cfg     *config.Config
	mgr     *stream.Manager
	metrics *metrics.Metrics
}

// run executes one job with the status API alongside and returns the
// process exit code.
func (a *app) run(ctx context.Context, key string) int {
	jobCtx, jobCancel := context.WithCancel(ctx)
	defer jobCancel()

	job, sink, err := a.newJob(jobCtx, key)
	if err != nil {
		slog.Error("failed to set up job", "error", err)
		return exitFailed
	}
	if _, created := a.mgr.Create(key, job, jobCancel); !created {
		sink.Abort()
		return exitFailed
	}
	defer a.mgr.Remove(key)

	apiCtx, apiCancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(apiCtx)

	var jobErr error
	g.Go(func() error {
		defer apiCancel()
		jobErr = job.Run(jobCtx)
		return nil
	})
	if a.cfg.StatusAddr != "" {
		api := statusapi.New(a.mgr, a.metrics, nil)
		g.Go(func() error {
			return api.Run(gctx, a.cfg.StatusAddr)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}

	st := job.Status()
	if st == pipeline.StatusDone || st == pipeline.StatusSourceFailed {
		if err := sink.Close(); err != nil {
			slog.Error("failed to commit output", "output", sink.Name(), "error", err)
			return exitFailed
		}
	} else if err := sink.Abort(); err != nil {
		slog.Warn("failed to discard output", "output", sink.Name(), "error", err)
	}

	p := job.Progress()
	slog.Info("job finished", "job", key, "status", st, "frames", p.Frames, "avg_rate", p.AvgRate)
	switch {
	case errors.Is(jobErr, reader.ErrSourceFailed):
		return exitSourceFailed
	case jobErr != nil:
		return exitFailed
	}
	return 0
}

// newJob opens the input and output and builds the pipeline job.
func (a *app) newJob(ctx context.Context, key string) (*pipeline.Job, output.Sink, error) {
	cfg := a.cfg
	opts := source.Options{}
	if cfg.InputKind != "" {
		k, err := demux.ParseKind(cfg.InputKind)
		if err != nil {
			return nil, nil, err
		}
		opts.Kind = &k
	}
	src, err := source.Open(ctx, cfg.Input, opts)
	if err != nil {
		return nil, nil, err
	}

	sink, err := output.Open(ctx, cfg.Output)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	w, err := muxer.NewWriter(cfg.Format, sink, nil)
	if err != nil {
		src.Close()
		sink.Abort()
		return nil, nil, err
	}

	interval, _ := cfg.FrameInterval()
	mode, _ := vfr.ParseMode(cfg.FrameRateMode)
	job, err := pipeline.New(pipeline.Config{
		Key:     key,
		Metrics: a.metrics,
		Source:  src,
		Writer:  w,
		Plan: pipeline.Passthrough(map[media.Kind]muxer.TrackInfo{
			media.KindVideo:    {Codec: cfg.VideoCodec},
			media.KindAudio:    {Codec: cfg.AudioCodec, SampleRate: cfg.AudioRate, Channels: cfg.AudioChannels},
			media.KindSubtitle: {Codec: "text"},
		}),
		FrameInterval:    interval,
		Pacer:            vfr.Config{Mode: mode, Interval: interval},
		ChapterStart:     cfg.ChapterStart,
		ChapterEnd:       cfg.ChapterEnd,
		StopPTS:          cfg.StopPTS(),
		Captions:         cfg.Captions,
		MaxErrors:        cfg.MaxReadErrors,
		QueueSize:        cfg.QueueSize,
		MuxLowWater:      cfg.MuxLowWater,
		MuxHighWater:     cfg.MuxHighWater,
		ProgressInterval: cfg.ProgressInterval,
		OnProgress: func(p pipeline.Progress) {
			slog.Info("progress",
				"job", key,
				"progress", p.Progress,
				"rate", p.Rate,
				"avg_rate", p.AvgRate,
				"eta", p.ETA,
			)
		},
	})
	if err != nil {
		src.Close()
		sink.Abort()
		return nil, nil, err
	}
	return job, sink, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// jobKey derives a job key from the input URI: the SRT stream id, or the
// last path element without extension.
func jobKey(input string) string {
	if u, err := url.Parse(input); err == nil {
		if id := u.Query().Get("streamid"); id != "" {
			return id
		}
	}
	base := path.Base(strings.TrimRight(input, "/"))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return "job"
	}
	return base
}
