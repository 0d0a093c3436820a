package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/provider"
)

// EncryptKeyEnv names the variable holding the 64-hex-char AES key used for
// provider API keys at rest.
const EncryptKeyEnv = "CONDUCTOR_ENCRYPT_KEY"

// encryptKey returns the 32-byte AES key from the environment.
func encryptKey() ([]byte, error) {
	keyHex := os.Getenv(EncryptKeyEnv)
	if keyHex == "" {
		return nil, fmt.Errorf("%s not set", EncryptKeyEnv)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EncryptKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 64 hex chars (32 bytes), got %d bytes", EncryptKeyEnv, len(key))
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// encrypt seals plaintext with AES-256-GCM, prefixing the nonce.
func encrypt(key []byte, plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// decrypt reverses encrypt.
func decrypt(key, ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SaveProvider upserts a provider, encrypting its API key.
func (s *Store) SaveProvider(ctx context.Context, p provider.ProviderConfig, isDefault bool) error {
	key, err := encryptKey()
	if err != nil {
		return err
	}
	encKey, err := encrypt(key, p.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api_key: %w", err)
	}
	modelsJSON, err := json.Marshal(nonNil(p.Models))
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	extra := p.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO providers (id, name, type, endpoint, api_key_enc, models, extra, timeout_ms, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			endpoint = EXCLUDED.endpoint,
			api_key_enc = EXCLUDED.api_key_enc,
			models = EXCLUDED.models,
			extra = EXCLUDED.extra,
			timeout_ms = EXCLUDED.timeout_ms,
			is_default = EXCLUDED.is_default,
			updated_at = NOW()`,
		p.ID, p.Name, p.Type, p.Endpoint, encKey, modelsJSON, extraJSON,
		p.Timeout.Milliseconds(), isDefault,
	)
	if err != nil {
		return fmt.Errorf("save provider %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProvider removes a provider by ID.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM providers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

// ProviderRow is a stored provider with its decrypted configuration.
type ProviderRow struct {
	Config    provider.ProviderConfig
	IsDefault bool
}

// ListProviders returns all providers with decrypted API keys.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	key, err := encryptKey()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, endpoint, api_key_enc, models, extra, timeout_ms, is_default
		FROM providers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderRow
	for rows.Next() {
		var (
			row                   ProviderRow
			encKey                []byte
			modelsJSON, extraJSON []byte
			timeoutMS             int64
		)
		p := &row.Config
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Endpoint, &encKey,
			&modelsJSON, &extraJSON, &timeoutMS, &row.IsDefault); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if p.APIKey, err = decrypt(key, encKey); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		_ = json.Unmarshal(modelsJSON, &p.Models)
		_ = json.Unmarshal(extraJSON, &p.Extra)
		p.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, row)
	}
	return out, rows.Err()
}
