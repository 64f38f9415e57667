package main

import (
	"os"

	"github.com/spf13/cobra"

	"jukebox/internal/backend"
	"jukebox/internal/backend/local"
	"jukebox/internal/progress"
	"jukebox/internal/shutdown"
)

func scanCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Index the local library and report what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg, "scan")
			defer log.Close()

			sh := shutdown.New()
			sh.Listen()

			lib := local.New(cfg.LibraryPaths, local.ReadTags, backend.Options{
				CacheDir: cfg.CacheDir,
				Format:   cfg.Transcode.Format,
				Logger:   log,
			})
			defer lib.Close()

			var bar *progress.Bar
			n, err := lib.Scan(sh.Context(), func(total int) {
				if bar == nil && !cfg.Verbose {
					bar = progress.New(os.Stdout, "indexing", total)
					log.SetProgressBar(true)
				}
				if bar != nil {
					bar.Increment()
				}
			})
			if bar != nil {
				bar.Finish()
				log.SetProgressBar(false)
			}
			if err != nil {
				return err
			}

			log.Info("=== %d songs indexed ===", n)
			return nil
		},
	}
}
