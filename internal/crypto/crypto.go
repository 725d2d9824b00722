// Package crypto seals and opens the conversational artifacts haven keeps
// encrypted at rest. Every chat owns a symmetric Fernet key, itself stored
// wrapped under the process root key; plaintext keys never reach storage.
package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/havenlabs/haven/internal/model"
)

// Fernet tokens embed an issue timestamp; a negative TTL disables the age
// check so sealed records never rot.
const noTTL = -1

// Key is a chat-scoped symmetric key.
type Key = fernet.Key

// GenerateKey creates a fresh random key.
func GenerateKey() (*Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &k, nil
}

// DecodeKey parses a base64-encoded key, e.g. the root key from config.
func DecodeKey(encoded string) (*Key, error) {
	k, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext under k and returns the token as a string.
func Seal(plaintext []byte, k *Key) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, k)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

// Open decrypts a token sealed with k. A failure is fatal for the record
// identified by recordKey and surfaces as a typed error wrapping
// model.ErrDecrypt, never as empty data.
func Open(token string, recordKey string, k *Key) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), noTTL, []*Key{k})
	if msg == nil {
		return nil, &model.DecryptError{RecordKey: recordKey, Cause: fmt.Errorf("invalid token or wrong key")}
	}
	return msg, nil
}

// SealJSON marshals v and seals it under k.
func SealJSON(v any, k *Key) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("seal json: %w", err)
	}
	return Seal(raw, k)
}

// OpenJSON opens a token sealed with SealJSON and unmarshals it into out.
func OpenJSON(token string, recordKey string, k *Key, out any) error {
	raw, err := Open(token, recordKey, k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &model.DecryptError{RecordKey: recordKey, Cause: err}
	}
	return nil
}

// WrapKey seals a chat key under the root key for storage.
func WrapKey(chatKey, root *Key) (string, error) {
	return Seal([]byte(chatKey.Encode()), root)
}

// UnwrapKey opens a wrapped chat key. recordKey identifies the owning chat
// row for error reporting.
func UnwrapKey(wrapped string, recordKey string, root *Key) (*Key, error) {
	raw, err := Open(wrapped, recordKey, root)
	if err != nil {
		return nil, err
	}
	k, err := fernet.DecodeKey(string(raw))
	if err != nil {
		return nil, &model.DecryptError{RecordKey: recordKey, Cause: err}
	}
	return k, nil
}
