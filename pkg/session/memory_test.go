package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzid/ssocore/pkg/sso"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "key-1", []byte("value-1"), time.Minute))

	val, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value-1"), val)

	exists, err := store.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "ephemeral", []byte("x"), 30*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	_, err := store.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "key-1", []byte("x"), time.Minute))
	require.NoError(t, store.Delete(ctx, "key-1"))

	_, err := store.Get(ctx, "key-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is a no-op.
	assert.NoError(t, store.Delete(ctx, "key-1"))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	original := []byte("immutable")
	require.NoError(t, store.Set(ctx, "key-1", original, time.Minute))
	original[0] = 'X'

	val, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), val)

	val[0] = 'Y'
	again, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestFlowStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	defer backend.Close()

	flows := NewFlowStore(backend, 0)

	flow := &sso.FlowSession{
		OrganizationID: "org-1",
		Protocol:       sso.ProviderTypeOIDC,
		State:          "state-1",
		Nonce:          "nonce-1",
		CodeVerifier:   "verifier-1",
		RelayState:     "/dashboard",
		InitiatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, flows.Save(ctx, "flow-key", flow))

	loaded, err := flows.Load(ctx, "flow-key")
	require.NoError(t, err)
	assert.Equal(t, flow, loaded)

	require.NoError(t, flows.Delete(ctx, "flow-key"))
	_, err = flows.Load(ctx, "flow-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	defer backend.Close()

	sessions := NewSessionStore(backend, 0)
	assert.Equal(t, 8*time.Hour, sessions.TTL())

	sess := &sso.SSOSession{
		Key:            "sess-key",
		OrganizationID: "org-1",
		Protocol:       sso.ProviderTypeSAML,
		User: &sso.SSOUser{
			OrganizationID: "org-1",
			Protocol:       sso.ProviderTypeSAML,
			ExternalID:     "user-1",
			Email:          "user@example.com",
		},
		NameID:       "user@example.com",
		SessionIndex: "idx-1",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		ExpiresAt:    time.Now().UTC().Add(8 * time.Hour).Truncate(time.Second),
	}
	require.NoError(t, sessions.Save(ctx, sess))

	loaded, err := sessions.Load(ctx, "sess-key")
	require.NoError(t, err)
	assert.Equal(t, sess, loaded)

	require.NoError(t, sessions.Delete(ctx, "sess-key"))
	_, err = sessions.Load(ctx, "sess-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStoreRejectsKeylessSession(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	defer backend.Close()

	sessions := NewSessionStore(backend, time.Hour)
	assert.Error(t, sessions.Save(ctx, nil))
	assert.Error(t, sessions.Save(ctx, &sso.SSOSession{}))
}

func TestFlowAndSessionKeysDoNotCollide(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	defer backend.Close()

	flows := NewFlowStore(backend, time.Hour)
	sessions := NewSessionStore(backend, time.Hour)

	// Same logical key through both stores lands under different prefixes.
	require.NoError(t, flows.Save(ctx, "shared", &sso.FlowSession{State: "s"}))
	require.NoError(t, sessions.Save(ctx, &sso.SSOSession{Key: "shared"}))

	require.NoError(t, flows.Delete(ctx, "shared"))

	_, err := sessions.Load(ctx, "shared")
	assert.NoError(t, err)
}
