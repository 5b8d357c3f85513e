package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"changewatch/internal/config"
	"changewatch/internal/event"
	"changewatch/internal/logging"
	"changewatch/internal/metrics"
	"changewatch/internal/pipeline"
	"changewatch/internal/processor"
	"changewatch/internal/stream"
	"changewatch/internal/version"
	"changewatch/internal/watcher"
	"changewatch/internal/wire"

	"golang.org/x/sync/errgroup"
)

var errNoRoots = errors.New("at least one root is required")

func run(ctx context.Context, args []string, getenv func(string) string, out, errOut io.Writer) int {
	options, err := parseArgs(args, getenv, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCodeSuccess
		}
		return exitCodeUsage
	}
	if options.ShowVersion {
		fmt.Fprintln(out, version.GetVersionInfo().Line("changewatch"))
		return exitCodeSuccess
	}

	cfg, err := config.Load(options.ConfigPath, getenv, options.Overrides)
	if err == nil {
		err = cfg.Validate(processor.Names())
	}
	if err == nil && len(cfg.Roots) == 0 {
		err = errNoRoots
	}
	if err != nil {
		fmt.Fprintf(errOut, "changewatch: %v\n", err)
		return exitCodeUsage
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLoggerWithOutput(nil, level, errOut)

	if err := watchAndServe(ctx, cfg, logger, out); err != nil {
		var capabilityErr *pipeline.CapabilityError
		if errors.As(err, &capabilityErr) {
			fmt.Fprintf(errOut, "changewatch: %v\n", err)
			return exitCodeUsage
		}
		logger.Error("changewatch stopped", map[string]string{
			"error": err.Error(),
		})
		return exitCodeRuntime
	}
	return exitCodeSuccess
}

// watchAndServe runs until ctx is cancelled or a component fails. Shutdown
// goes upstream first so stages can flush into the output.
func watchAndServe(ctx context.Context, cfg config.Config, logger *logging.Logger, out io.Writer) error {
	encode, err := wire.Encoder(cfg.Format)
	if err != nil {
		return err
	}
	registry := &metrics.Registry{}

	// Buses close in order during shutdown, not when ctx ends.
	source := event.NewBus[watcher.Event](context.Background(), event.BusOptions{
		Name:     "watcher",
		Registry: registry,
	})

	restore := cfg.Restore
	if len(restore) == 0 {
		restore = cfg.Roots
	}
	descriptors, err := processor.Descriptors(cfg.Stages, processor.Settings{
		Exclude:  cfg.Exclude,
		Debounce: cfg.Debounce,
		Restore:  restore,
		Logger:   component(logger, "processor"),
	})
	if err != nil {
		source.Close()
		return err
	}
	p, err := pipeline.Assemble(context.Background(), source, pipeline.Options{
		Base:    []pipeline.Capability{pipeline.CapabilityRaw},
		Stages:  descriptors,
		Logger:  component(logger, "pipeline"),
		Metrics: registry,
	})
	if err != nil {
		source.Close()
		return err
	}

	var server *stream.Server
	if cfg.Listen != "" {
		server, err = stream.NewServer(p.Output(), stream.Options{
			Logger:  component(logger, "stream"),
			Metrics: registry,
		})
		if err != nil {
			p.Finish()
			source.Close()
			return err
		}
	}

	w, err := watcher.NewWithOptions(source, watcher.Options{
		Logger:       logger,
		Metrics:      registry,
		WaitInterval: cfg.WaitInterval,
	})
	if err != nil {
		p.Finish()
		source.Close()
		return err
	}

	events, unsubscribe := p.Output().Subscribe()
	defer unsubscribe()

	driver := pipeline.NewDriver(w, p, component(logger, "driver"))
	p.Spawn()
	if err := driver.Add(cfg.Roots); err != nil {
		logger.Warn("initial watch failed", map[string]string{
			"error": err.Error(),
		})
	}
	logger.Info("changewatch started", map[string]string{
		"roots":  fmt.Sprint(cfg.Roots),
		"stages": fmt.Sprint(p.Stages()),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return writeEvents(out, events, encode)
	})
	if server != nil {
		group.Go(func() error {
			return server.ListenAndServe(groupCtx, cfg.Listen)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		_ = driver.Close()
		_ = w.Close()
		source.Close()
		p.Finish()
		logger.Info("changewatch stopping", map[string]string{
			"watched": fmt.Sprint(len(driver.Watched())),
		})
		return nil
	})
	return group.Wait()
}

// component scopes logger to one part of the process. Every scope shares
// the ring served at /logs.
func component(logger *logging.Logger, name string) *logging.Logger {
	return logger.With(map[string]string{"component": name})
}

func writeEvents(out io.Writer, events <-chan watcher.Event, encode func(watcher.Event) ([]byte, error)) error {
	for change := range events {
		payload, err := encode(change)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(out, "%s\n", payload); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}
