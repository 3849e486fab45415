package securestore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a SQLite database. When a sealing key is
// configured every value is sealed with XChaCha20-Poly1305 before it is
// written, with the record key bound as associated data
type SQLiteStore struct {
	db      *sql.DB
	service string
	sealKey []byte
	path    string

	// revision is incremented on every write and mirrored in _metadata
	revision int64

	mu     sync.RWMutex
	closed bool
}

// NewSQLite opens (or creates) the database at cfg.Path
func NewSQLite(service string, cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	var sealKey []byte
	if cfg.SealingKey != "" {
		k, err := hex.DecodeString(cfg.SealingKey)
		if err != nil {
			return nil, fmt.Errorf("invalid sealing key: %w", err)
		}
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("sealing key must be %d bytes", chacha20poly1305.KeySize)
		}
		sealKey = k
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// an in-memory database lives only as long as its connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:      db,
		service: serviceOrDefault(service),
		sealKey: sealKey,
		path:    path,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secure_items (
		service TEXT NOT NULL,
		item_key TEXT NOT NULL,
		value BLOB NOT NULL,
		sealed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (service, item_key)
	);

	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('revision', '0', ?)
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	var rev string
	if err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'revision'`).Scan(&rev); err != nil {
		return fmt.Errorf("failed to load revision: %w", err)
	}
	s.revision, _ = strconv.ParseInt(rev, 10, 64)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var value []byte
	var sealed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT value, sealed FROM secure_items
		WHERE service = ? AND item_key = ?
	`, s.service, key).Scan(&value, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if !sealed {
		return value, nil
	}
	if s.sealKey == nil {
		return nil, fmt.Errorf("record %s is sealed but no sealing key is configured", key)
	}
	plain, err := s.open(key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal %s: %w", key, err)
	}
	return plain, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	stored := value
	sealed := false
	if s.sealKey != nil {
		var err error
		if stored, err = s.seal(key, value); err != nil {
			return fmt.Errorf("failed to seal %s: %w", key, err)
		}
		sealed = true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secure_items (service, item_key, value, sealed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service, item_key) DO UPDATE SET
			value = excluded.value,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`, s.service, key, stored, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	s.bumpRevision(ctx)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM secure_items WHERE service = ? AND item_key = ?`, s.service, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.bumpRevision(ctx)
	return nil
}

func (s *SQLiteStore) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Revision returns the write counter. It increases with every Put and Delete
func (s *SQLiteStore) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// bumpRevision is best effort: the record write already succeeded
func (s *SQLiteStore) bumpRevision(ctx context.Context) {
	s.revision++
	_, err := s.db.ExecContext(ctx, `
		UPDATE _metadata
		SET value = ?, updated_at = ?
		WHERE key = 'revision'
	`, strconv.FormatInt(s.revision, 10), time.Now().Unix())
	if err != nil {
		log.Warn().Err(err).Int64("revision", s.revision).Str("path", s.path).Msg("Failed to record store revision")
	}
}

// seal encrypts value with XChaCha20-Poly1305; the nonce is prepended
func (s *SQLiteStore) seal(key string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, value, []byte(s.service+"/"+key)), nil
}

func (s *SQLiteStore) open(key string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	return aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(s.service+"/"+key))
}
