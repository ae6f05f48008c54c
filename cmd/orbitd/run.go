package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/orbit"
	"github.com/gogpu/orbit/catalog"
	"github.com/gogpu/orbit/internal/config"
	"github.com/gogpu/orbit/internal/stream"
)

type runFlags struct {
	config  string
	catalog string
	tle     string
	addr    string
	backend string
	frames  int
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "propagate the catalog and serve positions on /ws",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, f.frames)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&f.catalog, "catalog", config.DefaultCatalog, "catalog file (json)")
	cmd.Flags().StringVar(&f.tle, "tle", "", "three-line element file, propagated with SGP4 instead of --catalog")
	cmd.Flags().StringVar(&f.addr, "addr", config.DefaultAddr, "listen address")
	cmd.Flags().StringVar(&f.backend, "backend", "auto", "compute backend (auto, wgpu, software)")
	cmd.Flags().IntVar(&f.frames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	return cmd
}

// loadConfig reads the config file, then applies flags given explicitly.
func loadConfig(cmd *cobra.Command, f runFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("catalog") || f.config == "" {
		cfg.Catalog = f.catalog
	}
	if flags.Changed("tle") || f.config == "" {
		cfg.TLE = f.tle
	}
	if flags.Changed("addr") || f.config == "" {
		cfg.Addr = f.addr
	}
	if flags.Changed("backend") || f.config == "" {
		cfg.Backend = f.backend
	}
	return cfg, cfg.Validate()
}

// now is the propagation time for TLE files.
var now = time.Now

type loader func(path string) (*catalog.Catalog, error)

// catalogSource returns the file to read and how to read it. A TLE file is
// propagated to the time it is loaded.
func catalogSource(cfg *config.Config) (string, loader) {
	if cfg.TLE != "" {
		return cfg.TLE, func(path string) (*catalog.Catalog, error) {
			return catalog.LoadTLE(path, now())
		}
	}
	return cfg.Catalog, catalog.Load
}

func loadElements(path string, load loader) ([]orbit.Element, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	return c.Elements()
}

// serve runs the frame loop and the websocket server until ctx is done or
// maxFrames frames have been stepped.
func serve(ctx context.Context, cfg *config.Config, maxFrames int) error {
	log := orbit.Logger()

	path, load := catalogSource(cfg)
	elements, err := loadElements(path, load)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, log, elements)
	if err != nil {
		return err
	}
	defer func() { eng.Close() }()

	hub := stream.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer shutdown(srv, log, shutdownTimeout)

	reload := make(chan []orbit.Element, 1)
	if cfg.Watch {
		err := catalog.Watch(ctx, path, func(c *catalog.Catalog, err error) {
			if err == nil {
				var next []orbit.Element
				if next, err = c.Elements(); err == nil {
					replace(reload, next)
					return
				}
			}
			log.Warn("catalog reload failed", "path", path, "err", err)
		}, catalog.WithLoader(load))
		if err != nil {
			log.Warn("catalog watch disabled", "err", err)
		}
	}

	ticker := time.NewTicker(cfg.FrameInterval())
	defer ticker.Stop()
	last := time.Now()
	frames := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			return err
		case next := <-reload:
			fresh, err := newEngine(cfg, log, next)
			if err != nil {
				log.Warn("catalog rejected", "err", err)
				continue
			}
			eng.Close()
			eng = fresh
			log.Info("catalog reloaded", "objects", len(next))
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			eng.Tick(dt)
			hub.Publish(eng.render)
			frames++
			if maxFrames > 0 && frames >= maxFrames {
				st := eng.Stats()
				log.Info("done", "frames", frames, "mode", eng.Mode(),
					"applied", st.Applied, "backpressure", st.Backpressure)
				return nil
			}
		}
	}
}

const shutdownTimeout = 2 * time.Second

// shutdown stops srv, giving open connections timeout to finish.
func shutdown(srv *http.Server, log *slog.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server shutdown", "err", err)
	}
}

// replace leaves only v in a one-slot channel.
func replace[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
