package locker

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/mesmerverse/coresdk/cryptor"
	"github.com/mesmerverse/coresdk/keeper"
)

// Hashing defaults for migrated passwords
const (
	DefaultPBKDF2Iterations = 100000

	Argon2idTime    = 3
	Argon2idMemory  = 256 * 1024 // KiB
	Argon2idThreads = 4
	migratedKeyLen  = 32
)

var ErrInvalidMigration = errors.New("locker: invalid migration data")

// PasswordMigration names how a password from an earlier installation was
// hashed before it was registered with the server
type PasswordMigration int

const (
	MigrationNone PasswordMigration = iota
	MigrationSHA256
	MigrationPBKDF2
	MigrationArgon2id
)

func (m PasswordMigration) String() string {
	switch m {
	case MigrationNone:
		return "none"
	case MigrationSHA256:
		return "sha256"
	case MigrationPBKDF2:
		return "pbkdf2"
	case MigrationArgon2id:
		return "argon2id"
	default:
		return fmt.Sprintf("migration(%d)", int(m))
	}
}

// MigrationData is the identity carried over from an earlier installation
type MigrationData struct {
	ClientID           string
	DeviceFingerprint  string
	OneTimePasswordKey string

	// Salt feeds the SHA256, PBKDF2 and Argon2id hashes
	Salt string

	// Iterations is the PBKDF2 iteration count or the Argon2id time cost.
	// Zero selects the default
	Iterations uint32

	// Memory (KiB) and Threads tune Argon2id. Zero selects the default
	Memory  uint32
	Threads uint8
}

// Hash applies m to password
func (m PasswordMigration) Hash(password string, data MigrationData) (string, error) {
	if password == "" {
		return "", cryptor.ErrEmptyPassword
	}

	switch m {
	case MigrationNone:
		return password, nil

	case MigrationSHA256:
		return cryptor.SHA256Hex(data.Salt + password), nil

	case MigrationPBKDF2:
		if data.Salt == "" {
			return "", fmt.Errorf("%w: pbkdf2 needs a salt", ErrInvalidMigration)
		}
		iter := int(data.Iterations)
		if iter == 0 {
			iter = DefaultPBKDF2Iterations
		}
		key := pbkdf2.Key([]byte(password), []byte(data.Salt), iter, migratedKeyLen, sha512.New)
		return hex.EncodeToString(key), nil

	case MigrationArgon2id:
		if data.Salt == "" {
			return "", fmt.Errorf("%w: argon2id needs a salt", ErrInvalidMigration)
		}
		timeCost, memory, threads := data.Iterations, data.Memory, data.Threads
		if timeCost == 0 {
			timeCost = Argon2idTime
		}
		if memory == 0 {
			memory = Argon2idMemory
		}
		if threads == 0 {
			threads = Argon2idThreads
		}
		key := argon2.IDKey([]byte(password), []byte(data.Salt), timeCost, memory, threads, migratedKeyLen)
		return hex.EncodeToString(key), nil

	default:
		return "", fmt.Errorf("%w: unknown scheme %s", ErrInvalidMigration, m)
	}
}

// UnlockAfterMigration installs the identity from an earlier installation
// and unlocks with the password hashed the way that installation hashed it.
// A device already registered to another identity, or already unlocked,
// fails with ErrAlreadyRegistered
func (l *Locker) UnlockAfterMigration(ctx context.Context, lockType keeper.LockType, password string, migration PasswordMigration, data MigrationData, done Completion) {
	l.run(ctx, "unlock after migration", done, func(ctx context.Context) (int, error) {
		if !lockType.Valid() {
			return -1, ErrInvalidLockType
		}
		if data.ClientID == "" || data.DeviceFingerprint == "" {
			return -1, fmt.Errorf("%w: client id and device fingerprint are required", ErrInvalidMigration)
		}

		// only a retry of the same migrated identity may replace the device
		// bundle; anything else would leave a foreign session under it
		current, err := l.keeper.Device(ctx)
		if err != nil {
			return -1, err
		}
		if current.Registered() {
			if current.ClientID != data.ClientID || current.DeviceFingerprint != data.DeviceFingerprint {
				return -1, ErrAlreadyRegistered
			}
			if l.keeper.Session() != nil {
				return -1, ErrAlreadyRegistered
			}
		}

		hashed, err := migration.Hash(password, data)
		if err != nil {
			return -1, err
		}

		dk := keeper.DeviceBundle{
			ClientID:           data.ClientID,
			DeviceFingerprint:  data.DeviceFingerprint,
			OneTimePasswordKey: data.OneTimePasswordKey,
			LockType:           lockType,
		}
		if lockType == keeper.LockTypeNoAuth {
			dk.NoAuthPassword = hashed
		}
		if err := l.keeper.Register(ctx, dk); err != nil {
			return -1, err
		}

		log.Info().Str("migration", migration.String()).Msg("Migrated device identity installed")
		return l.unlockWithPassword(ctx, &dk, hashed)
	})
}
