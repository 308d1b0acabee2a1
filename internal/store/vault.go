package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// HashPassphrase returns an encoded argon2id hash in the PHC string format.
func HashPassphrase(passphrase string, p KDFParams) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate passphrase salt: %w", err)
	}
	sum := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyPassphrase reports whether passphrase matches encoded.
func VerifyPassphrase(encoded, passphrase string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported passphrase hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %q", parts[2])
	}
	var p KDFParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return false, fmt.Errorf("parse argon2 params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// unlockVault verifies passphrase and returns the user's content cipher.
// With create set, a first passphrase initializes the vault.
func (s *Store) unlockVault(ctx context.Context, userID, passphrase string, create bool) (cipher.AEAD, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if passphrase == "" {
		return nil, ErrVaultLocked
	}
	var (
		hash string
		salt []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT passphrase_hash, content_salt FROM vault_users WHERE user_id = ?`, userID).Scan(&hash, &salt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !create {
			return nil, ErrVaultEmpty
		}
		if hash, err = HashPassphrase(passphrase, s.kdf); err != nil {
			return nil, err
		}
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate vault salt: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO vault_users(user_id, passphrase_hash, content_salt) VALUES(?, ?, ?)`,
			userID, hash, salt,
		); err != nil {
			return nil, fmt.Errorf("initialize vault for %s: %w", userID, err)
		}
		s.logger.Info("vault initialized", "user_id", userID)
	case err != nil:
		return nil, fmt.Errorf("read vault user %s: %w", userID, err)
	default:
		ok, err := VerifyPassphrase(hash, passphrase)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Warn("vault passphrase rejected", "user_id", userID)
			return nil, ErrVaultLocked
		}
	}
	return chacha20poly1305.NewX(s.kdf.key([]byte(passphrase), salt))
}

// VaultPut seals content under item, creating the vault on first use.
func (s *Store) VaultPut(ctx context.Context, userID, passphrase, item, content string) error {
	if strings.TrimSpace(item) == "" {
		return fmt.Errorf("vault item name is required")
	}
	aead, err := s.unlockVault(ctx, userID, passphrase, true)
	if err != nil {
		return err
	}
	sealed, err := seal(aead, []byte(content), userID+"/"+item)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_items(user_id, item, content, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(user_id, item) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, item, sealed, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store vault item: %w", err)
	}
	return nil
}

// VaultGet returns the content stored under item.
func (s *Store) VaultGet(ctx context.Context, userID, passphrase, item string) (string, error) {
	aead, err := s.unlockVault(ctx, userID, passphrase, false)
	if err != nil {
		return "", err
	}
	var sealed []byte
	err = s.db.QueryRowContext(ctx, `SELECT content FROM vault_items WHERE user_id = ? AND item = ?`, userID, item).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("vault item %q: %w", item, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read vault item: %w", err)
	}
	plain, err := open(aead, sealed, userID+"/"+item)
	if err != nil {
		return "", fmt.Errorf("unseal vault item: %w", err)
	}
	return string(plain), nil
}

// VaultList returns the user's item names in order.
func (s *Store) VaultList(ctx context.Context, userID, passphrase string) ([]string, error) {
	if _, err := s.unlockVault(ctx, userID, passphrase, false); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT item FROM vault_items WHERE user_id = ? ORDER BY item`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vault items: %w", err)
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan vault item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// VaultDelete removes item.
func (s *Store) VaultDelete(ctx context.Context, userID, passphrase, item string) error {
	if _, err := s.unlockVault(ctx, userID, passphrase, false); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM vault_items WHERE user_id = ? AND item = ?`, userID, item)
	if err != nil {
		return fmt.Errorf("delete vault item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("vault item %q: %w", item, ErrNotFound)
	}
	return nil
}
