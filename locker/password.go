package locker

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/webapi"
)

// ChangePassword re-authenticates with oldPassword and replaces it. The user
// must be unlocked. On success the session is re-encrypted under the new
// key; a rejection is handled as in UnlockUser
func (l *Locker) ChangePassword(ctx context.Context, oldPassword string, newLockType keeper.LockType, newPassword string, done Completion) {
	l.run(ctx, "change password", done, func(ctx context.Context) (int, error) {
		if !newLockType.Valid() {
			return -1, ErrInvalidLockType
		}
		dk, err := l.registeredDevice(ctx)
		if err != nil {
			return -1, err
		}
		accessToken, ok := l.keeper.AccessToken()
		if !ok {
			return -1, keeper.ErrLocked
		}

		oldPassword = effectivePassword(dk, oldPassword)
		if oldPassword == "" {
			return -1, cryptor.ErrEmptyPassword
		}

		noAuthPassword := ""
		if newLockType == keeper.LockTypeNoAuth {
			if newPassword, err = cryptor.RandomHex(noAuthPasswordEntropy); err != nil {
				return -1, err
			}
			noAuthPassword = newPassword
		} else if newPassword == "" {
			return -1, cryptor.ErrEmptyPassword
		}

		newKey := cryptor.DeriveKey(newPassword, dk.DeviceFingerprint)
		tok, err := l.api.ChangePassword(ctx, accessToken, webapi.ChangePasswordRequest{
			ClientID:          dk.ClientID,
			DeviceFingerprint: dk.DeviceFingerprint,
			OldPassword:       cryptor.DeriveKey(oldPassword, dk.DeviceFingerprint),
			NewPassword:       newKey,
			LockType:          string(newLockType),
		})
		if err != nil {
			return l.rejected(ctx, err)
		}

		pctx := persistCtx(ctx)
		if err := l.keeper.ChangeKey(pctx, newKey, newLockType, noAuthPassword); err != nil {
			return -1, err
		}
		if tok.AccessToken != "" {
			if err := l.keeper.UpdateSession(pctx, sessionFromToken(tok)); err != nil {
				return -1, err
			}
		}

		log.Info().Str("lock_type", string(newLockType)).Msg("Password changed")
		return tok.RemainingAttempts, nil
	})
}
