package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"jukebox/internal/backend"
	"jukebox/internal/backend/deezer"
	"jukebox/internal/backend/local"
	"jukebox/internal/backend/youtube"
	"jukebox/internal/config"
	"jukebox/internal/control"
	"jukebox/internal/hooks"
	"jukebox/internal/logger"
	"jukebox/internal/player"
	"jukebox/internal/shutdown"
	"jukebox/internal/storequeue"
	"jukebox/internal/stream"
	"jukebox/internal/web"
	"jukebox/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the jukebox web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			log := newLogger(cfg, "jukebox")
			defer log.Close()

			sh := shutdown.New()
			sh.Listen()
			defer sh.Wait()

			if err := serve(sh, cfg, log); err != nil {
				sh.Shutdown()
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (overrides the config file)")
	return cmd
}

func serve(sh *shutdown.Handler, cfg config.Config, log *logger.Logger) error {
	log.Debug("Checking dependencies...")
	if err := utils.CheckDependencies(""); err != nil {
		return fmt.Errorf("dependency check failed: %w", err)
	}
	if n, err := utils.RemoveStale(cfg.CacheDir); err != nil {
		log.Warn("could not clean cache: %v", err)
	} else if n > 0 {
		log.Debug("removed %d stale cache files", n)
	}

	// the loop outlives the root context so cleanups can still reach the player
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loop := control.New()
	go loop.Run(loopCtx)
	sh.AddCleanup(func() {
		stopLoop()
		<-loop.Stopped()
	})

	bus := hooks.New()
	hub := web.NewHub(clock.New())
	hub.Attach(bus)

	p := player.New(loop, bus, player.Options{
		PrepareTimeout: cfg.Player.PrepareTimeout,
		Repeat:         cfg.Player.Repeat,
		Volume:         cfg.Player.Volume,
		Logger:         log,
	})
	if cfg.Player.DropFailed {
		player.DropFailedSongs(p)
	}

	opts := backend.Options{
		CacheDir:      cfg.CacheDir,
		Format:        cfg.Transcode.Format,
		InitialBuffer: cfg.Buffer.InitialBytes,
		MaxBuffer:     cfg.Buffer.MaxBytes,
		Transcoder: backend.FFmpeg{
			Codec:   cfg.Transcode.Codec,
			Bitrate: cfg.Transcode.Bitrate,
			Format:  cfg.Transcode.Format,
		},
		Logger: log,
	}
	streams := stream.New(log)
	ctx := sh.Context()

	lib := local.New(cfg.LibraryPaths, local.ReadTags, opts)
	sh.AddCleanup(lib.Close)
	if _, err := lib.Scan(ctx, nil); err != nil {
		return err
	}
	go func() {
		if err := lib.Watch(ctx); err != nil {
			log.Warn("library watcher stopped: %v", err)
		}
	}()
	if err := p.AddBackend(ctx, lib); err != nil {
		return err
	}
	streams.AddSource(lib)

	if cfg.Deezer.Enabled {
		dz := deezer.New(cfg.Deezer.APIURL, opts)
		sh.AddCleanup(dz.Close)
		if err := p.AddBackend(ctx, dz); err != nil {
			return err
		}
		streams.AddSource(dz)
	}

	if cfg.YouTube.Enabled {
		if err := utils.CheckDependencies(cfg.YouTube.Binary); err != nil {
			return fmt.Errorf("dependency check failed: %w", err)
		}
		yt := youtube.New(youtube.Config{
			Binary:         cfg.YouTube.Binary,
			CookiesBrowser: cfg.YouTube.CookiesBrowser,
		}, opts)
		sh.AddCleanup(yt.Close)
		if err := p.AddBackend(ctx, yt); err != nil {
			return err
		}
		streams.AddSource(yt)
	}

	if cfg.StoreQueue.Enabled {
		if err := startStore(sh, p, bus, cfg.StoreQueue.Path, log); err != nil {
			return err
		}
	}

	sh.AddCleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			log.Warn("player stop: %v", err)
		}
	})

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     web.NewServer(p, streams, hub, log).Router(),
		ReadTimeout: 15 * time.Second,
		// no write timeout: song responses last as long as the song
		IdleTimeout: 60 * time.Second,
	}
	sh.AddCleanup(func() {
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown error: %v", err)
		}
	})

	go func() {
		log.Info("Starting web server on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error: %v", err)
			sh.Shutdown()
		}
	}()
	return nil
}

// startStore restores the saved queue and keeps saving it until shutdown.
func startStore(sh *shutdown.Handler, p *player.Player, bus *hooks.Bus, path string, log *logger.Logger) error {
	store, err := storequeue.Open(path, log)
	if err != nil {
		return err
	}
	ctx := sh.Context()

	// attached first so the writer already knows the restored queue
	store.Attach(bus, clock.New())

	snap, ok, err := store.Load(ctx)
	if err != nil {
		log.Warn("ignoring stored queue: %v", err)
	} else if ok {
		n, err := storequeue.Restore(ctx, p, snap, log)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to restore queue: %w", err)
		}
		log.Info("restored %d of %d queued songs", n, len(snap.Queue))
	}

	go store.Run(ctx)

	sh.AddCleanup(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Capture(flushCtx, p); err != nil {
			log.Warn("could not capture queue: %v", err)
			if err := store.Flush(flushCtx); err != nil {
				log.Warn("could not save queue: %v", err)
			}
		}
		store.Close()
	})
	return nil
}
