package player

import (
	"errors"

	"jukebox/internal/backend"
	"jukebox/internal/hooks"
	"jukebox/internal/queue"
)

// DropFailedSongs installs the policy of removing songs whose preparation
// failed. Cancellations are not failures and keep the song queued.
func DropFailedSongs(p *Player) {
	hooks.On(p.hooks, func(e hooks.SongPrepareErrorEvent) error {
		if errors.Is(e.Err, backend.ErrCanceled) {
			return nil
		}
		uuid, title := e.Song.UUID, e.Song.Title
		// handlers run on the loop, so the removal is posted behind them
		p.loop.Post(func() {
			if err := p.removeSongs(uuid, 1); err != nil && !errors.Is(err, queue.ErrNotFound) {
				p.logger.Warn("could not drop %q: %v", title, err)
				return
			}
			p.logger.Info("dropped %q after failed preparation", title)
		})
		return nil
	})
}
