// Package store is the encrypted persistent collaborator: sealed key/value
// records, conversation history, reminders and the passphrase vault.
package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates a missing record, reminder or vault item.
	ErrNotFound = errors.New("not found")
	// ErrWrongKey indicates the store secret does not match the database.
	ErrWrongKey = errors.New("store key mismatch")
	// ErrVaultLocked indicates a wrong vault passphrase.
	ErrVaultLocked = errors.New("vault passphrase rejected")
	// ErrVaultEmpty indicates the user has never stored a vault item.
	ErrVaultEmpty = errors.New("vault not initialized")
)

const keyCheckPlaintext = "blackbox-store-v1"

// KDFParams are argon2id cost parameters.
type KDFParams struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultKDFParams matches the interactive-login profile used for the vault.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

func (p KDFParams) key(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}

// Config controls where and how the store is opened.
type Config struct {
	Path   string
	Secret string
	KDF    KDFParams
	Now    func() time.Time
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.KDF == (KDFParams{}) {
		c.KDF = DefaultKDFParams()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Record is one sealed key/value entry.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	aead   cipher.AEAD
	kdf    KDFParams
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the database at cfg.Path and unlocks it with cfg.Secret.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("store secret is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps pragmas in force.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		kdf:    cfg.KDF,
		now:    cfg.Now,
		logger: cfg.Logger.With("component", "store"),
	}
	if err := s.init(ctx, []byte(cfg.Secret)); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("store opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) init(ctx context.Context, secret []byte) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store %s: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}

	salt, err := s.meta(ctx, "kdf_salt")
	if errors.Is(err, ErrNotFound) {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate store salt: %w", err)
		}
		if err := s.setMeta(ctx, "kdf_salt", salt); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(s.kdf.key(secret, salt))
	if err != nil {
		return fmt.Errorf("store cipher: %w", err)
	}
	s.aead = aead

	check, err := s.meta(ctx, "key_check")
	if errors.Is(err, ErrNotFound) {
		sealed, err := seal(s.aead, []byte(keyCheckPlaintext), "key_check")
		if err != nil {
			return err
		}
		return s.setMeta(ctx, "key_check", sealed)
	}
	if err != nil {
		return err
	}
	if plain, err := open(s.aead, check, "key_check"); err != nil || string(plain) != keyCheckPlaintext {
		return ErrWrongKey
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			name  TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			reminder_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT NOT NULL,
			title        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			due_at       INTEGER NOT NULL,
			recurring    TEXT NOT NULL DEFAULT '',
			completed    INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER,
			notified     INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(completed, due_at)`,
		`CREATE TABLE IF NOT EXISTS vault_users (
			user_id         TEXT PRIMARY KEY,
			passphrase_hash TEXT NOT NULL,
			content_salt    BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_items (
			user_id    TEXT NOT NULL REFERENCES vault_users(user_id) ON DELETE CASCADE,
			item       TEXT NOT NULL,
			content    BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, item)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	var (
		sealed  []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM records WHERE key = ?`, key).Scan(&sealed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %q: %w", key, err)
	}
	value, err := open(s.aead, sealed, "record:"+key)
	if err != nil {
		return Record{}, fmt.Errorf("unseal record %q: %w", key, err)
	}
	return Record{Key: key, Value: value, UpdatedAt: time.UnixMilli(updated).UTC()}, nil
}

// Put creates or replaces the record under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (Record, error) {
	if strings.TrimSpace(key) == "" {
		return Record{}, fmt.Errorf("record key is required")
	}
	sealed, err := seal(s.aead, value, "record:"+key)
	if err != nil {
		return Record{}, err
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, sealed, now.UnixMilli(),
	); err != nil {
		return Record{}, fmt.Errorf("put record %q: %w", key, err)
	}
	return Record{Key: key, Value: append([]byte(nil), value...), UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

// Delete removes the record under key and returns what was stored.
func (s *Store) Delete(ctx context.Context, key string) (Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return Record{}, fmt.Errorf("delete record %q: %w", key, err)
	}
	return rec, nil
}

func (s *Store) meta(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read meta %s: %w", name, err)
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, name string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(name, value) VALUES(?, ?)`, name, value); err != nil {
		return fmt.Errorf("write meta %s: %w", name, err)
	}
	return nil
}

// seal returns nonce || ciphertext, binding the ciphertext to label.
func seal(aead cipher.AEAD, plaintext []byte, label string) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

func open(aead cipher.AEAD, sealed []byte, label string) ([]byte, error) {
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, []byte(label))
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
