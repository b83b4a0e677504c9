package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// ExpirySweeper periodically reaps rooms that have gone idle past the
// configured threshold, deleting the channel and the session row.
type ExpirySweeper struct {
	rooms  *RoomManager
	store  *SessionStore
	config *SessionConfig
	logger *slog.Logger
}

func NewExpirySweeper(
	rooms *RoomManager,
	store *SessionStore,
	config *SessionConfig,
	log *slog.Logger,
) *ExpirySweeper {
	if log == nil {
		log = slog.Default()
	}
	return &ExpirySweeper{
		rooms:  rooms,
		store:  store,
		config: config,
		logger: log.With(loggerNameKey, "sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is canceled. One sweep
// runs immediately on startup, so rooms that expired while the bot was
// down are cleaned up right away.
func (e *ExpirySweeper) Run(ctx context.Context) {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep reaps every expired session once. A failure on one room doesn't
// stop the rest; the failed row stays for the next sweep. Returns the
// number of rooms reaped.
func (e *ExpirySweeper) Sweep(ctx context.Context) int {
	expired, err := e.store.ExpiredSessions(ctx, e.config.IdleThreshold)
	if err != nil {
		e.logger.ErrorContext(ctx, "error listing expired sessions", tint.Err(err))
		return 0
	}
	if len(expired) == 0 {
		return 0
	}
	e.logger.InfoContext(ctx, "sweeping expired rooms", "expired_count", len(expired))

	var reaped int
	for i := range expired {
		session := &expired[i]
		if err = e.rooms.deleteRoomChannel(ctx, session); err != nil {
			e.logger.ErrorContext(
				ctx,
				"error deleting expired room channel",
				tint.Err(err),
				"session", session,
			)
			continue
		}
		if notifyErr := e.rooms.NotifyRoomExpired(ctx, session.OwnerID); notifyErr != nil {
			e.logger.WarnContext(
				ctx,
				"couldn't notify owner of expired room",
				tint.Err(notifyErr),
				"owner_id", session.OwnerID,
			)
		}
		if err = e.store.DeleteSession(ctx, session.OwnerID); err != nil {
			e.logger.ErrorContext(
				ctx,
				"error deleting expired session",
				tint.Err(err),
				"session", session,
			)
			continue
		}
		e.logger.InfoContext(ctx, "reaped expired room", "session", session)
		reaped++
	}
	return reaped
}
