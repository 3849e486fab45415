package locker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/webapi"
)

const noAuthPasswordEntropy = 32

// registration is an authorization waiting for its redirect
type registration struct {
	state  string
	result chan callback
}

type callback struct {
	code string
	err  error
}

// RegisterUser starts a registration. It builds the authorization URL and
// passes it to open, which shows it to the user. done fires once the
// redirect has been handed to ContinueWithUserRegistration and the
// authorization code is stored. A registration started while another is
// waiting supersedes it
func (l *Locker) RegisterUser(ctx context.Context, open func(authURL string) error, done Completion) {
	l.run(ctx, "register", done, func(ctx context.Context) (int, error) {
		dk, err := l.keeper.Device(ctx)
		if err != nil {
			return -1, err
		}
		if dk.Registered() {
			return -1, ErrAlreadyRegistered
		}

		reg := &registration{state: uuid.NewString(), result: make(chan callback, 1)}
		l.setPending(reg)
		defer l.clearPending(reg)

		if err := open(l.api.AuthCodeURL(reg.state)); err != nil {
			return -1, fmt.Errorf("failed to open authorization URL: %w", err)
		}

		var cb callback
		select {
		case cb = <-reg.result:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
		if cb.err != nil {
			return -1, cb.err
		}

		err = l.keeper.UpdateDevice(persistCtx(ctx), func(dk *keeper.DeviceBundle) {
			dk.OAuth2Code = cb.code
		})
		if err != nil {
			return -1, err
		}
		log.Info().Msg("Authorization code captured")
		return -1, nil
	})
}

// ContinueWithUserRegistration hands the redirect of a pending registration
// to the Locker. It reports whether rawURL was a callback for it
func (l *Locker) ContinueWithUserRegistration(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !l.attrs.matchesRedirect(u) {
		return false
	}

	l.mu.Lock()
	reg := l.pending
	l.mu.Unlock()
	if reg == nil {
		log.Warn().Msg("Registration callback without a pending registration")
		return false
	}

	q := u.Query()
	if q.Get("state") != reg.state {
		log.Warn().Msg("Registration callback with a foreign state")
		return false
	}

	var cb callback
	switch {
	case q.Get("error") != "":
		cb.err = fmt.Errorf("%w: %s", ErrAuthorizationDenied, q.Get("error"))
	case q.Get("code") == "":
		cb.err = ErrNoAuthorizationCode
	default:
		cb.code = q.Get("code")
	}

	select {
	case reg.result <- cb:
		return true
	default:
		// already answered
		return false
	}
}

func (l *Locker) setPending(reg *registration) {
	l.mu.Lock()
	prev := l.pending
	l.pending = reg
	l.mu.Unlock()

	if prev != nil {
		select {
		case prev.result <- callback{err: ErrRegistrationSuperseded}:
		default:
		}
	}
}

func (l *Locker) clearPending(reg *registration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == reg {
		l.pending = nil
	}
}

// CompleteUserRegistration exchanges the stored authorization code for the
// device's first session. For LockTypeNoAuth the password argument is
// ignored and a random one is generated and kept in the device bundle. On
// success the user is unlocked
func (l *Locker) CompleteUserRegistration(ctx context.Context, lockType keeper.LockType, password string, done Completion) {
	l.run(ctx, "complete registration", done, func(ctx context.Context) (int, error) {
		if !lockType.Valid() {
			return -1, ErrInvalidLockType
		}

		dk, err := l.keeper.Device(ctx)
		if err != nil {
			return -1, err
		}
		if dk.Registered() {
			return -1, ErrAlreadyRegistered
		}
		if dk == nil || dk.OAuth2Code == "" {
			return -1, ErrNoAuthorizationCode
		}

		noAuthPassword := ""
		if lockType == keeper.LockTypeNoAuth {
			if password, err = cryptor.RandomHex(noAuthPasswordEntropy); err != nil {
				return -1, err
			}
			noAuthPassword = password
		} else if password == "" {
			return -1, cryptor.ErrEmptyPassword
		}

		fingerprint := dk.DeviceFingerprint
		if fingerprint == "" {
			fingerprint = uuid.NewString()
			// a retry after a lost response must reuse the fingerprint
			err := l.keeper.UpdateDevice(ctx, func(dk *keeper.DeviceBundle) {
				dk.DeviceFingerprint = fingerprint
			})
			if err != nil {
				return -1, err
			}
		}

		key := cryptor.DeriveKey(password, fingerprint)
		tok, err := l.api.ExchangeCode(ctx, dk.OAuth2Code, webapi.Registration{
			DeviceFingerprint: fingerprint,
			Password:          key,
			LockType:          string(lockType),
		})
		if err != nil {
			var rej *webapi.RejectedError
			if errors.As(err, &rej) {
				// the code is spent or refused; start over with a new one
				l.forgetCode(persistCtx(ctx))
				return rej.RemainingAttempts, err
			}
			return -1, err
		}

		pctx := persistCtx(ctx)
		err = l.keeper.Register(pctx, keeper.DeviceBundle{
			ClientID:           tok.ClientID,
			DeviceFingerprint:  fingerprint,
			OneTimePasswordKey: tok.OneTimePasswordKey,
			LockType:           lockType,
			NoAuthPassword:     noAuthPassword,
		})
		if err != nil {
			return -1, err
		}
		if err := l.keeper.UnlockWithSession(pctx, key, sessionFromToken(tok)); err != nil {
			return -1, err
		}

		log.Info().Str("lock_type", string(lockType)).Msg("User registered")
		return tok.RemainingAttempts, nil
	})
}

func (l *Locker) forgetCode(ctx context.Context) {
	err := l.keeper.UpdateDevice(ctx, func(dk *keeper.DeviceBundle) {
		dk.OAuth2Code = ""
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to clear authorization code")
	}
}
