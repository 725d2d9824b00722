package keyring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/model"
)

// fakeChats is an in-memory store.Chats that counts reads so tests can
// observe cache hits.
type fakeChats struct {
	rows map[string]*model.Chat
	gets int
}

func newFakeChats() *fakeChats {
	return &fakeChats{rows: make(map[string]*model.Chat)}
}

func (f *fakeChats) Create(_ context.Context, c *model.Chat) (*model.Chat, error) {
	if existing, ok := f.rows[c.ChatID]; ok {
		return existing, nil
	}
	cp := *c
	f.rows[c.ChatID] = &cp
	return &cp, nil
}

func (f *fakeChats) Get(_ context.Context, chatID string) (*model.Chat, error) {
	f.gets++
	c, ok := f.rows[chatID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

func testRootKey(t *testing.T) *crypto.Key {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func TestEnsureChatMintsKeyOnce(t *testing.T) {
	chats := newFakeChats()
	kr := New(chats, fieldcache.New(0, 0), testRootKey(t))
	ctx := context.Background()

	first, err := kr.EnsureChat(ctx, "chat-1")
	require.NoError(t, err)

	second, err := kr.EnsureChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, first.Encode(), second.Encode())
	require.Len(t, chats.rows, 1)
}

func TestEnsureChatKeepsRacingCreatorsKey(t *testing.T) {
	root := testRootKey(t)
	chats := newFakeChats()
	ctx := context.Background()

	// A concurrent creator already persisted a key.
	theirs, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrapped, err := crypto.WrapKey(theirs, root)
	require.NoError(t, err)
	_, err = chats.Create(ctx, &model.Chat{ChatID: "chat-1", EncryptedKey: wrapped, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	kr := New(chats, fieldcache.New(0, 0), root)
	got, err := kr.EnsureChat(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, theirs.Encode(), got.Encode())
}

func TestChatKeyIsCached(t *testing.T) {
	chats := newFakeChats()
	kr := New(chats, fieldcache.New(0, 0), testRootKey(t))
	ctx := context.Background()

	_, err := kr.EnsureChat(ctx, "chat-1")
	require.NoError(t, err)

	// The first read populates the cache.
	_, err = kr.ChatKey(ctx, "chat-1")
	require.NoError(t, err)
	gets := chats.gets

	for i := 0; i < 3; i++ {
		_, err := kr.ChatKey(ctx, "chat-1")
		require.NoError(t, err)
	}
	assert.Equal(t, gets, chats.gets, "repeated ChatKey calls should hit the cache")
}

func TestChatKeyUnknownChat(t *testing.T) {
	kr := New(newFakeChats(), fieldcache.New(0, 0), testRootKey(t))

	_, err := kr.ChatKey(context.Background(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestChatKeyWrongRootKeyFailsLoud(t *testing.T) {
	root := testRootKey(t)
	chats := newFakeChats()
	ctx := context.Background()

	kr := New(chats, fieldcache.New(0, 0), root)
	_, err := kr.EnsureChat(ctx, "chat-1")
	require.NoError(t, err)

	other := New(chats, fieldcache.New(0, 0), testRootKey(t))
	_, err = other.ChatKey(ctx, "chat-1")
	var decErr *model.DecryptError
	require.ErrorAs(t, err, &decErr)
}
