package locker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/webapi"
)

// ErrNoOneTimePasswordKey is returned by UnlockUserUsingOTP when the device
// was registered without a one-time-password secret
var ErrNoOneTimePasswordKey = errors.New("locker: device has no one-time-password key")

// UnlockUser asks the server for a session with the user's password. For a
// device registered with LockTypeNoAuth the stored password is used and the
// argument is ignored. A rejection reports the remaining attempts; when none
// remain the user is unregistered
func (l *Locker) UnlockUser(ctx context.Context, password string, done Completion) {
	l.run(ctx, "unlock", done, func(ctx context.Context) (int, error) {
		dk, err := l.registeredDevice(ctx)
		if err != nil {
			return -1, err
		}
		return l.unlockWithPassword(ctx, dk, effectivePassword(dk, password))
	})
}

// UnlockUserUsingOTP unlocks with a one-time password computed from the
// device's shared secret. Any rejection unregisters the user
func (l *Locker) UnlockUserUsingOTP(ctx context.Context, done Completion) {
	l.run(ctx, "unlock with OTP", done, func(ctx context.Context) (int, error) {
		dk, err := l.registeredDevice(ctx)
		if err != nil {
			return -1, err
		}
		if dk.OneTimePasswordKey == "" {
			return -1, ErrNoOneTimePasswordKey
		}

		code, err := l.otp.Generate(dk.OneTimePasswordKey, dk.ClientID, dk.DeviceFingerprint, l.now())
		if err != nil {
			return -1, err
		}

		tok, err := l.api.UnlockOTP(ctx, webapi.OTPUnlockRequest{
			ClientID:          dk.ClientID,
			DeviceFingerprint: dk.DeviceFingerprint,
			OneTimePassword:   code,
		})
		if err != nil {
			var rej *webapi.RejectedError
			if errors.As(err, &rej) {
				log.Warn().Int("status", rej.Status).Msg("One-time password rejected, unregistering")
				l.unregisterLocal(persistCtx(ctx))
				return rej.RemainingAttempts, err
			}
			return -1, err
		}

		key := cryptor.DeriveKey(dk.OneTimePasswordKey, dk.DeviceFingerprint)
		if err := l.keeper.UnlockWithSession(persistCtx(ctx), key, sessionFromToken(tok)); err != nil {
			return -1, err
		}
		return tok.RemainingAttempts, nil
	})
}

// ResumeSession unlocks with the session stored by an earlier unlock on this
// device, without contacting the server. It fails with keeper.ErrWrongKey
// when the password does not open it
func (l *Locker) ResumeSession(ctx context.Context, password string, done Completion) {
	l.run(ctx, "resume", done, func(ctx context.Context) (int, error) {
		dk, err := l.registeredDevice(ctx)
		if err != nil {
			return -1, err
		}
		password = effectivePassword(dk, password)
		if password == "" {
			return -1, cryptor.ErrEmptyPassword
		}
		return -1, l.keeper.UnlockUser(ctx, cryptor.DeriveKey(password, dk.DeviceFingerprint))
	})
}

// LockUser forgets the session. Nothing is sent to the server
func (l *Locker) LockUser(done Completion) {
	l.run(context.Background(), "lock", done, func(context.Context) (int, error) {
		return -1, l.keeper.LockUser()
	})
}

func (l *Locker) unlockWithPassword(ctx context.Context, dk *keeper.DeviceBundle, password string) (int, error) {
	if password == "" {
		return -1, cryptor.ErrEmptyPassword
	}
	key := cryptor.DeriveKey(password, dk.DeviceFingerprint)

	tok, err := l.api.Unlock(ctx, webapi.UnlockRequest{
		ClientID:          dk.ClientID,
		DeviceFingerprint: dk.DeviceFingerprint,
		Password:          key,
	})
	if err != nil {
		return l.rejected(ctx, err)
	}

	if err := l.keeper.UnlockWithSession(persistCtx(ctx), key, sessionFromToken(tok)); err != nil {
		return -1, err
	}
	return tok.RemainingAttempts, nil
}

// rejected reports the remaining attempts of a password rejection and
// unregisters the user once none remain
func (l *Locker) rejected(ctx context.Context, err error) (int, error) {
	var rej *webapi.RejectedError
	if !errors.As(err, &rej) {
		return -1, err
	}
	if rej.RemainingAttempts == 0 {
		log.Warn().Msg("No unlock attempts remaining, unregistering")
		l.unregisterLocal(persistCtx(ctx))
	}
	return rej.RemainingAttempts, err
}

func (l *Locker) registeredDevice(ctx context.Context) (*keeper.DeviceBundle, error) {
	dk, err := l.keeper.Device(ctx)
	if err != nil {
		return nil, err
	}
	if !dk.Registered() {
		return nil, keeper.ErrNotRegistered
	}
	return dk, nil
}

func effectivePassword(dk *keeper.DeviceBundle, password string) string {
	if dk.LockType == keeper.LockTypeNoAuth {
		return dk.NoAuthPassword
	}
	return password
}

// OneTimePassword returns the code UnlockUserUsingOTP would send now. It is
// meant for showing the code on a second device
func (l *Locker) OneTimePassword(ctx context.Context) (string, error) {
	dk, err := l.registeredDevice(ctx)
	if err != nil {
		return "", wrap("one-time password", err)
	}
	if dk.OneTimePasswordKey == "" {
		return "", wrap("one-time password", ErrNoOneTimePasswordKey)
	}
	code, err := l.otp.Generate(dk.OneTimePasswordKey, dk.ClientID, dk.DeviceFingerprint, l.now())
	if err != nil {
		return "", wrap("one-time password", err)
	}
	return code, nil
}
