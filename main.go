package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-relay/brightness"
	"github.com/Tutortoise/detection-relay/config"
	"github.com/Tutortoise/detection-relay/detections"
	"github.com/Tutortoise/detection-relay/fusion"
	"github.com/Tutortoise/detection-relay/mosaic"
	"github.com/Tutortoise/detection-relay/pipeline"
	"github.com/Tutortoise/detection-relay/proposals"
	"github.com/Tutortoise/detection-relay/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "detection-relay",
		Usage: "classify region proposals of incoming frames and report newly seen objects",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration",
				EnvVars: []string{"RELAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides the configuration",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log per-frame timings",
				EnvVars: []string{"DEBUG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		cfg.Level.SetLevel(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func run(c *cli.Context) (err error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	cfg.Debug = cfg.Debug || c.Bool("debug")

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer logger.Sync()

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Infof))
	if err != nil {
		logger.Warnw("failed to set GOMAXPROCS", "error", err)
	}
	defer undo()

	st, err := newStore(cfg.Store)
	if err != nil {
		return err
	}

	destroyRuntime, err := detections.InitRuntime(cfg.Classifier.LibraryPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, destroyRuntime()) }()

	pool, err := detections.NewSessionPool(detections.NewONNXSessionFactory(detections.ONNXConfig{
		ModelPath:  cfg.Classifier.ModelPath,
		InputName:  cfg.Classifier.InputName,
		OutputName: cfg.Classifier.OutputName,
		NumOutputs: cfg.Classifier.NumOutputs,
		Threads:    cfg.Classifier.Threads,
	}), cfg.Classifier.PoolSize)
	if err != nil {
		return errors.Wrap(err, "create model session pool")
	}
	defer func() { err = multierr.Append(err, pool.Destroy()) }()

	classifier := detections.NewProposalClassifier(detections.Config{
		InputWidth:  cfg.Classifier.InputWidth,
		InputHeight: cfg.Classifier.InputHeight,
		Layout:      cfg.Classifier.Layout,
		BGR:         cfg.Classifier.BGR,
		MinProb:     cfg.Classifier.MinProb,
		NumClasses:  detections.NumClasses,
		Timeout:     time.Duration(cfg.Classifier.Timeout),
	}, detections.NewONNXClassifier(pool, cfg.Classifier.NumOutputs))

	composer := mosaic.NewComposer(st, logger.Named("mosaic"))
	composer.FrameWidth = cfg.Mosaic.FrameWidth
	composer.ImagesPerRow = cfg.Mosaic.ImagesPerRow
	composer.Padding = cfg.Mosaic.Padding

	opts := pipeline.DefaultOptions()
	opts.CutWidth = cfg.Pipeline.CutWidth
	opts.MosaicKey = cfg.Mosaic.OutputKey
	opts.Fusion = fusion.Options{
		IoUThreshold:     cfg.Pipeline.FusionIoUThreshold,
		SkipBoxThreshold: cfg.Pipeline.SkipBoxThreshold,
	}

	state := &AppState{
		Pipeline: pipeline.New(
			newProposer(cfg.Proposals),
			classifier,
			&brightness.Normalizer{Threshold: cfg.Pipeline.BrightnessLimit, Factor: cfg.Pipeline.BrightnessFactor},
			composer,
			st,
			opts,
			logger.Named("pipeline"),
		),
		Pool:   pool,
		Logger: logger,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "addr", srv.Addr, "cpu_features", detections.CPUFeatures())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "cos":
		s, err := store.NewCOS(cfg.COS)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewDisk(cfg.Dir), nil
	}
}

func newProposer(cfg config.ProposalsConfig) proposals.Generator {
	var gen proposals.Generator
	switch cfg.Backend {
	case "grid":
		gen = proposals.NewGrid()
	default:
		gen = proposals.NewRemote(cfg.URL, &http.Client{Timeout: time.Duration(cfg.Timeout)})
	}
	return proposals.Capped{Generator: gen, Max: cfg.Max, Timeout: time.Duration(cfg.Timeout)}
}
