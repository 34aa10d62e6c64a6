package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/internal/tunnel"
)

// recordTimeout bounds a single insert
const recordTimeout = 5 * time.Second

// Recorder writes every snapshot published on a StatusBus to the store.
// Writes happen on a separate goroutine so publishers never wait on the database.
type Recorder struct {
	store *SQLiteStore
	log   zerolog.Logger

	cancel    func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewRecorder subscribes to bus and starts recording
func NewRecorder(store *SQLiteStore, bus *tunnel.StatusBus, buffer int, log zerolog.Logger) *Recorder {
	ch, cancel := bus.Channel(buffer)

	r := &Recorder{
		store:  store,
		log:    log.With().Str("component", "history").Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		for snap := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			if err := r.store.Record(ctx, snap); err != nil {
				r.log.Warn().Err(err).Str("server", snap.ServerID).Msg("failed to record status")
			}
			cancel()
		}
	}()

	return r
}

// Close unsubscribes and waits for queued snapshots to be written
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
	})
}

// PruneEvery deletes history older than retention on every tick until ctx is done
func (r *Recorder) PruneEvery(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				r.log.Warn().Err(err).Msg("history prune failed")
				continue
			}
			if n > 0 {
				r.log.Debug().Int64("deleted", n).Msg("pruned status history")
			}
		}
	}
}
