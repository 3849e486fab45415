// Package keeper owns the device identity and OAuth2 session records.
//
// A Keeper runs a single goroutine that holds all bundle state. Every
// exported method is a request to that goroutine, so bundle mutations are
// applied one at a time and readers never observe a half-written state.
// The key derived from the user's password lives only inside the Keeper,
// sealed in a memguard enclave, and only while the user is unlocked
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/securestore"
)

// Options configures a Keeper
type Options struct {
	Store securestore.Store

	// Marker detects a fresh install. Nil skips the check
	Marker InstallMarker

	// ClientID and ClientSecret identify the WebApi environment. A change
	// between runs wipes all stored records
	ClientID     string
	ClientSecret string

	// Cryptor defaults to cryptor.Default()
	Cryptor *cryptor.Cryptor

	// OnStatusChange is called from the Keeper goroutine after any change
	// of the lock status. It must not call back into the Keeper
	OnStatusChange func(from, to LockStatus)
}

// Keeper serializes access to the persisted bundles
type Keeper struct {
	opts Options

	reqs      chan request
	quit      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	dk       *DeviceBundle
	dkLoaded bool
	ek       *SessionBundle
	key      *sealedKey
	checked  bool
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// New starts a Keeper. Nothing is read until the first request
func New(opts Options) *Keeper {
	if opts.Cryptor == nil {
		opts.Cryptor = cryptor.Default()
	}
	k := &Keeper{
		opts: opts,
		reqs: make(chan request),
		quit: make(chan struct{}),
	}
	go k.run()
	return k
}

func (k *Keeper) run() {
	for {
		select {
		case <-k.quit:
			return
		case req := <-k.reqs:
			before := k.status()
			err := req.fn(req.ctx)
			after := k.status()
			if before != after {
				log.Debug().
					Str("from", before.String()).
					Str("to", after.String()).
					Msg("Lock status changed")
				if k.opts.OnStatusChange != nil {
					k.opts.OnStatusChange(before, after)
				}
			}
			req.done <- err
		}
	}
}

func (k *Keeper) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case k.reqs <- request{ctx: ctx, fn: fn, done: done}:
	case <-k.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

// Close stops the Keeper goroutine and forgets the in-memory key
func (k *Keeper) Close() error {
	k.closeOnce.Do(func() {
		k.call(context.Background(), func(context.Context) error {
			k.key = nil
			k.ek = nil
			return nil
		})
		close(k.quit)
	})
	return nil
}

// EnsureLoaded reads the device bundle and runs the once-per-process
// integrity checks. It returns ErrProtectedDataNotAvailable while the store
// cannot be read; a later call retries
func (k *Keeper) EnsureLoaded(ctx context.Context) error {
	return k.call(ctx, k.ensureLoaded)
}

// Status returns the current lock status. If the device bundle has never
// been read and the store is unavailable, the status is Unregistered and
// the error is ErrProtectedDataNotAvailable
func (k *Keeper) Status(ctx context.Context) (LockStatus, error) {
	var s LockStatus
	err := k.call(ctx, func(ctx context.Context) error {
		err := k.ensureLoaded(ctx)
		s = k.status()
		return err
	})
	return s, err
}

// Device returns a copy of the device bundle, or nil when none is stored
func (k *Keeper) Device(ctx context.Context) (*DeviceBundle, error) {
	var dk *DeviceBundle
	err := k.call(ctx, func(ctx context.Context) error {
		if err := k.ensureLoaded(ctx); err != nil {
			return err
		}
		dk = cloneDevice(k.dk)
		return nil
	})
	return dk, err
}

// ClientID returns the registered client id, or "" when unregistered
func (k *Keeper) ClientID(ctx context.Context) (string, error) {
	dk, err := k.Device(ctx)
	if err != nil || dk == nil {
		return "", err
	}
	return dk.ClientID, nil
}

// Session returns a copy of the session bundle, or nil unless unlocked
func (k *Keeper) Session() *SessionBundle {
	var ek *SessionBundle
	k.call(context.Background(), func(context.Context) error {
		ek = cloneSession(k.ek)
		return nil
	})
	return ek
}

// AccessToken returns the access token while unlocked
func (k *Keeper) AccessToken() (string, bool) {
	ek := k.Session()
	if ek == nil || ek.AccessToken == "" {
		return "", false
	}
	return ek.AccessToken, true
}

// Register persists dk as the device bundle. It is also used to keep
// partial registration state such as the authorization code
func (k *Keeper) Register(ctx context.Context, dk DeviceBundle) error {
	return k.call(ctx, func(ctx context.Context) error {
		if err := k.ensureLoaded(ctx); err != nil {
			return err
		}
		return k.persistDevice(ctx, &dk)
	})
}

// UpdateDevice applies fn to a copy of the stored device bundle (an empty
// one when none exists) and persists the result
func (k *Keeper) UpdateDevice(ctx context.Context, fn func(dk *DeviceBundle)) error {
	return k.call(ctx, func(ctx context.Context) error {
		if err := k.ensureLoaded(ctx); err != nil {
			return err
		}
		dk := cloneDevice(k.dk)
		if dk == nil {
			dk = &DeviceBundle{}
		}
		fn(dk)
		return k.persistDevice(ctx, dk)
	})
}

// UnlockUser opens the stored session bundle with key and keeps both in
// memory. A key that does not open the bundle is discarded and ErrWrongKey
// is returned
func (k *Keeper) UnlockUser(ctx context.Context, key string) error {
	return k.call(ctx, func(ctx context.Context) error {
		if err := k.ensureLoaded(ctx); err != nil {
			return err
		}
		if !k.dk.Registered() {
			return ErrNotRegistered
		}

		raw, err := k.opts.Store.Get(ctx, RecordSessionBundle)
		if err != nil {
			return storeErr("read session bundle", err)
		}

		plain, err := k.opts.Cryptor.Decrypt(raw, cryptor.SHA1Hex(key), false)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWrongKey, err)
		}
		defer cryptor.Zero(plain)

		var ek SessionBundle
		if err := json.Unmarshal(plain, &ek); err != nil {
			return fmt.Errorf("%w: %v", ErrWrongKey, err)
		}

		k.key = sealKey([]byte(key))
		k.ek = &ek
		return nil
	})
}

// UnlockWithSession persists a session bundle issued by the server under
// key and unlocks with it
func (k *Keeper) UnlockWithSession(ctx context.Context, key string, ek SessionBundle) error {
	return k.call(ctx, func(ctx context.Context) error {
		if err := k.ensureLoaded(ctx); err != nil {
			return err
		}
		if !k.dk.Registered() {
			return ErrNotRegistered
		}
		if err := k.persistSession(ctx, key, &ek); err != nil {
			return err
		}
		k.key = sealKey([]byte(key))
		k.ek = &ek
		return nil
	})
}

// UpdateSession replaces the session bundle of an unlocked user, keeping the
// current key
func (k *Keeper) UpdateSession(ctx context.Context, ek SessionBundle) error {
	return k.call(ctx, func(ctx context.Context) error {
		if k.key == nil || k.ek == nil {
			return ErrLocked
		}
		err := k.key.with(func(key string) error {
			return k.persistSession(ctx, key, &ek)
		})
		if err != nil {
			return err
		}
		k.ek = &ek
		return nil
	})
}

// ChangeKey records the new lock type in the device bundle and re-encrypts
// the session bundle under newKey. The user must be unlocked. If the session
// cannot be written the previous device bundle is restored, so both records
// keep matching the old key
func (k *Keeper) ChangeKey(ctx context.Context, newKey string, lockType LockType, noAuthPassword string) error {
	return k.call(ctx, func(ctx context.Context) error {
		if k.key == nil || k.ek == nil {
			return ErrLocked
		}

		prev := cloneDevice(k.dk)
		dk := cloneDevice(k.dk)
		dk.LockType = lockType
		dk.NoAuthPassword = noAuthPassword
		if err := k.persistDevice(ctx, dk); err != nil {
			return err
		}

		if err := k.persistSession(ctx, newKey, k.ek); err != nil {
			if rerr := k.persistDevice(context.WithoutCancel(ctx), prev); rerr != nil {
				log.Error().Err(rerr).Msg("Failed to restore device bundle after key change")
			}
			return err
		}
		k.key = sealKey([]byte(newKey))
		return nil
	})
}

// LockUser forgets the key and the session bundle. Stored records are left
// untouched
func (k *Keeper) LockUser() error {
	return k.call(context.Background(), func(context.Context) error {
		k.key = nil
		k.ek = nil
		return nil
	})
}

// UnregisterUser wipes every stored record and the in-memory state. Failures
// of individual deletes are logged and do not stop the wipe
func (k *Keeper) UnregisterUser(ctx context.Context) error {
	return k.call(ctx, func(ctx context.Context) error {
		// a cancelled caller must not leave a half-wiped store
		ctx = context.WithoutCancel(ctx)
		k.wipe(ctx)
		if err := k.writeEnvironment(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to record environment after unregister")
		}
		return nil
	})
}

func (k *Keeper) status() LockStatus {
	switch {
	case !k.dk.Registered():
		return Unregistered
	case k.key != nil && k.ek != nil:
		return Unlocked
	default:
		return Locked
	}
}

func (k *Keeper) ensureLoaded(ctx context.Context) error {
	if k.dkLoaded && k.checked {
		return nil
	}
	if !k.opts.Store.Available() {
		if k.dkLoaded {
			// cached; checks run on a later access
			return nil
		}
		return ErrProtectedDataNotAvailable
	}
	if !k.checked {
		if err := k.runIntegrityChecks(ctx); err != nil {
			return err
		}
		k.checked = true
	}
	if !k.dkLoaded {
		return k.loadDevice(ctx)
	}
	return nil
}

func (k *Keeper) loadDevice(ctx context.Context) error {
	raw, err := k.opts.Store.Get(ctx, RecordDeviceBundle)
	if errors.Is(err, securestore.ErrNotFound) {
		k.dk, k.dkLoaded = nil, true
		return nil
	}
	if err != nil {
		return storeErr("read device bundle", err)
	}

	vendor, err := k.vendorID(ctx, false)
	if errors.Is(err, securestore.ErrNotFound) {
		log.Warn().Msg("Device bundle stored without vendor identifier, ignoring it")
		k.dk, k.dkLoaded = nil, true
		return nil
	}
	if err != nil {
		return err
	}

	plain, err := k.opts.Cryptor.Decrypt(raw, cryptor.SHA1Hex(vendor), false)
	if err != nil {
		log.Warn().Err(err).Msg("Device bundle cannot be decrypted, ignoring it")
		k.dk, k.dkLoaded = nil, true
		return nil
	}

	var dk DeviceBundle
	if err := json.Unmarshal(plain, &dk); err != nil {
		log.Warn().Err(err).Msg("Device bundle is malformed, ignoring it")
		k.dk, k.dkLoaded = nil, true
		return nil
	}

	k.dk, k.dkLoaded = &dk, true
	return nil
}

// vendorID returns the per-install vendor identifier, creating it when
// create is set and none exists
func (k *Keeper) vendorID(ctx context.Context, create bool) (string, error) {
	raw, err := k.opts.Store.Get(ctx, RecordVendorIdentifier)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, securestore.ErrNotFound) {
		return "", storeErr("read vendor identifier", err)
	}
	if !create {
		return "", securestore.ErrNotFound
	}

	id := uuid.NewString()
	if err := k.opts.Store.Put(ctx, RecordVendorIdentifier, []byte(id)); err != nil {
		return "", storeErr("write vendor identifier", err)
	}
	return id, nil
}

func (k *Keeper) persistDevice(ctx context.Context, dk *DeviceBundle) error {
	vendor, err := k.vendorID(ctx, true)
	if err != nil {
		return err
	}

	plain, err := marshalBundle(dk)
	if err != nil {
		return fmt.Errorf("failed to encode device bundle: %w", err)
	}
	sealed, err := k.opts.Cryptor.Encrypt(plain, cryptor.SHA1Hex(vendor), false)
	if err != nil {
		return fmt.Errorf("failed to encrypt device bundle: %w", err)
	}
	if err := k.opts.Store.Put(ctx, RecordDeviceBundle, sealed); err != nil {
		return storeErr("write device bundle", err)
	}

	k.dk, k.dkLoaded = dk, true
	return nil
}

func (k *Keeper) persistSession(ctx context.Context, key string, ek *SessionBundle) error {
	plain, err := marshalBundle(ek)
	if err != nil {
		return fmt.Errorf("failed to encode session bundle: %w", err)
	}
	defer cryptor.Zero(plain)

	sealed, err := k.opts.Cryptor.Encrypt(plain, cryptor.SHA1Hex(key), false)
	if err != nil {
		return fmt.Errorf("failed to encrypt session bundle: %w", err)
	}
	if err := k.opts.Store.Put(ctx, RecordSessionBundle, sealed); err != nil {
		return storeErr("write session bundle", err)
	}
	return nil
}

// wipe deletes every record and clears the in-memory state
func (k *Keeper) wipe(ctx context.Context) {
	for _, record := range []string{RecordDeviceBundle, RecordSessionBundle, RecordVendorIdentifier} {
		if err := k.opts.Store.Delete(ctx, record); err != nil {
			log.Warn().Err(err).Str("record", record).Msg("Failed to delete record")
		}
	}
	k.dk, k.dkLoaded = nil, true
	k.ek = nil
	k.key = nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, securestore.ErrUnavailable) {
		return ErrProtectedDataNotAvailable
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
