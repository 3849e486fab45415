package locker

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/keeper"
)

const refreshKey = "refresh"

// RefreshToken renews the access token with the refresh-token grant. The
// user must be unlocked and stays unlocked whatever the outcome. Calls made
// while a refresh is running share its result; cancelling one of them does
// not cancel the others
func (l *Locker) RefreshToken(ctx context.Context, done Completion) {
	l.run(ctx, "refresh", done, func(ctx context.Context) (int, error) {
		shared, gen := l.sharedWork()
		ch := l.refreshes.DoChan(refreshKey+"/"+strconv.FormatUint(gen, 10), func() (any, error) {
			return nil, l.refresh(shared)
		})

		select {
		case res := <-ch:
			if res.Shared {
				log.Debug().Msg("Token refresh shared with a concurrent call")
			}
			return -1, res.Err
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	})
}

func (l *Locker) refresh(ctx context.Context) error {
	ek := l.keeper.Session()
	if ek == nil {
		return keeper.ErrLocked
	}
	if ek.RefreshToken == "" {
		return keeper.ErrNoSession
	}

	tok, err := l.api.Refresh(ctx, ek.RefreshToken)
	if err != nil {
		return err
	}

	next := sessionFromToken(tok)
	if next.RefreshToken == "" {
		next.RefreshToken = ek.RefreshToken
	}
	next.RemainingAttempts = ek.RemainingAttempts
	return l.keeper.UpdateSession(persistCtx(ctx), next)
}
