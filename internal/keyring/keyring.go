// Package keyring resolves per-chat encryption keys. Chat keys live wrapped
// under the process root key in the chats table; unwrapped keys are memoized
// in the shared field cache so a busy chat does not pay the unwrap on every
// turn.
package keyring

import (
	"context"
	"errors"
	"time"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

type Keyring struct {
	chats store.Chats
	cache *fieldcache.Cache
	root  *crypto.Key
}

func New(chats store.Chats, cache *fieldcache.Cache, root *crypto.Key) *Keyring {
	return &Keyring{chats: chats, cache: cache, root: root}
}

// ChatKey returns the chat's symmetric key, or model.ErrNotFound when the
// chat has no row yet.
func (k *Keyring) ChatKey(ctx context.Context, chatID string) (*crypto.Key, error) {
	recordKey := model.ChatKey(chatID)
	raw, err := k.cache.GetOrFill(recordKey, func() ([]byte, error) {
		chat, err := k.chats.Get(ctx, chatID)
		if err != nil {
			return nil, err
		}
		key, err := crypto.UnwrapKey(chat.EncryptedKey, recordKey, k.root)
		if err != nil {
			return nil, err
		}
		return []byte(key.Encode()), nil
	})
	if err != nil {
		return nil, err
	}
	return crypto.DecodeKey(string(raw))
}

// EnsureChat returns the chat's key, minting and persisting a fresh one when
// the chat is seen for the first time.
func (k *Keyring) EnsureChat(ctx context.Context, chatID string) (*crypto.Key, error) {
	key, err := k.ChatKey(ctx, chatID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(key, k.root)
	if err != nil {
		return nil, err
	}
	// Create keeps an existing row's key, so unwrap whatever the store
	// returns; a racing creator's key wins over ours.
	stored, err := k.chats.Create(ctx, &model.Chat{
		ChatID:       chatID,
		EncryptedKey: wrapped,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapKey(stored.EncryptedKey, model.ChatKey(chatID), k.root)
}
