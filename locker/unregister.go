package locker

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/webapi"
)

// UnregisterUser removes the registration on the server when it can, and
// always wipes the local records. A server failure is logged, not reported
func (l *Locker) UnregisterUser(ctx context.Context, done Completion) {
	l.run(ctx, "unregister", done, func(ctx context.Context) (int, error) {
		dk, err := l.keeper.Device(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Device bundle unavailable, unregistering locally")
		}
		if dk.Registered() {
			token, _ := l.keeper.AccessToken()
			err := l.api.Unregister(ctx, token, webapi.UnregisterRequest{
				ClientID:          dk.ClientID,
				DeviceFingerprint: dk.DeviceFingerprint,
			})
			if err != nil {
				log.Warn().Err(err).Msg("Server unregistration failed, unregistering locally")
			}
		}

		l.unregisterLocal(persistCtx(ctx))
		return -1, nil
	})
}

// Cancel aborts every operation in flight, including a registration waiting
// for its redirect. Those complete with a KindCancelled error; local writes
// they already made stay. done receives the resulting status
func (l *Locker) Cancel(done Completion) {
	n := l.cancelAll()

	log.Debug().Int("operations", n).Msg("Locker operations cancelled")
	l.run(context.Background(), "cancel", done, func(context.Context) (int, error) {
		return -1, nil
	})
}

func (l *Locker) unregisterLocal(ctx context.Context) {
	if err := l.keeper.UnregisterUser(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to wipe local records")
		return
	}
	log.Info().Msg("User unregistered")
}
