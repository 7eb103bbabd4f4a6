package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/cache"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/memory"
)

const seedFile = `
clients:
  - id: web
    name: Web App
    secret: s3cret
    scopes: [read, write]
    redirect_uris: [https://app.example.com/callback]
  - id: cli
    kind: public
    scopes: [read]
    grant_types: [urn:ietf:params:oauth:grant-type:device_code, refresh_token]
`

func TestParseClientFile(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	clients, err := parseClientFile(strings.NewReader(seedFile), bcrypt.MinCost, now)
	require.NoError(t, err)
	require.Len(t, clients, 2)

	web := clients[0]
	assert.Equal(t, "web", web.ID)
	assert.Equal(t, storage.ClientKindConfidential, web.Kind)
	assert.Equal(t, "Web App", web.Name)
	assert.Equal(t, []string{"read", "write"}, web.Scopes)
	assert.Equal(t, now, web.CreatedAt)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(web.SecretHash), []byte("s3cret")))

	cli := clients[1]
	assert.True(t, cli.IsPublic())
	assert.Empty(t, cli.SecretHash)
	assert.Empty(t, cli.RedirectURIs)
	assert.True(t, cli.AllowsGrant("refresh_token"))
	assert.False(t, cli.AllowsGrant("authorization_code"))
}

func TestParseClientFile_SecretFromEnvironment(t *testing.T) {
	t.Setenv("LOCKRSCTL_TEST_SECRET", "from-env")

	clients, err := parseClientFile(strings.NewReader(`
clients:
  - id: svc
    secret_env: LOCKRSCTL_TEST_SECRET
    grant_types: [client_credentials]
`), bcrypt.MinCost, time.Now())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(clients[0].SecretHash), []byte("from-env")))
}

func TestParseClientFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty", "", "no clients defined"},
		{"no clients", "clients: []", "no clients defined"},
		{"unknown field", "clients:\n  - id: a\n    colour: red\n", "invalid client file"},
		{"missing id", "clients:\n  - kind: public\n    redirect_uris: [https://a]\n", "id is required"},
		{"duplicate", "clients:\n  - {id: a, kind: public, redirect_uris: [https://a]}\n  - {id: a, kind: public, redirect_uris: [https://a]}\n", "duplicate id"},
		{"unknown kind", "clients:\n  - {id: a, kind: robot, redirect_uris: [https://a]}\n", "unknown kind"},
		{"public with secret", "clients:\n  - {id: a, kind: public, secret: x, redirect_uris: [https://a]}\n", "cannot have a secret"},
		{"confidential without secret", "clients:\n  - {id: a, redirect_uris: [https://a]}\n", "need a secret"},
		{"secret and hash", "clients:\n  - {id: a, secret: x, secret_hash: y, redirect_uris: [https://a]}\n", "mutually exclusive"},
		{"bad hash", "clients:\n  - {id: a, secret_hash: plain, redirect_uris: [https://a]}\n", "not a bcrypt hash"},
		{"empty secret env", "clients:\n  - {id: a, secret_env: LOCKRSCTL_UNSET_SECRET, redirect_uris: [https://a]}\n", "is empty"},
		{"code grant without redirect", "clients:\n  - {id: a, kind: public, grant_types: [authorization_code]}\n", "redirect_uri is required"},
		{"no grants without redirect", "clients:\n  - {id: a, kind: public}\n", "redirect_uri is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseClientFile(strings.NewReader(tt.content), bcrypt.MinCost, time.Now())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClientFile_AcceptsExistingHash(t *testing.T) {
	hash := testutil.HashSecret("precomputed")
	clients, err := parseClientFile(strings.NewReader(
		"clients:\n  - id: a\n    secret_hash: \""+hash+"\"\n    redirect_uris: [https://a]\n"),
		bcrypt.MinCost, time.Now())
	require.NoError(t, err)
	assert.Equal(t, hash, clients[0].SecretHash)
}

func TestImportClients(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)

	clients, err := parseClientFile(strings.NewReader(seedFile), bcrypt.MinCost, time.Now())
	require.NoError(t, err)
	replaced, err := importClients(ctx, store, clients)
	require.NoError(t, err)
	assert.Zero(t, replaced)

	// Importing again replaces the registrations
	replaced, err = importClients(ctx, store, clients)
	require.NoError(t, err)
	assert.Equal(t, 2, replaced)

	stored, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	got, err := store.GetClient(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com/callback"}, got.RedirectURIs)
}

func TestImportClients_ThroughCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)
	registry := cache.NewClientStore(store, cache.Config{})

	// A cached miss must not hide a client saved through the cache
	_, err := registry.GetClient(ctx, "web")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	clients, err := parseClientFile(strings.NewReader(seedFile), bcrypt.MinCost, time.Now())
	require.NoError(t, err)
	replaced, err := importClients(ctx, registry, clients)
	require.NoError(t, err)
	assert.Zero(t, replaced)

	got, err := registry.GetClient(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "Web App", got.Name)

	clients[0].Name = "Renamed"
	replaced, err = importClients(ctx, registry, clients[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, replaced)

	got, err = registry.GetClient(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name, "saving drops the cached registration")
}

func TestPrintClients(t *testing.T) {
	var buf bytes.Buffer
	clients := []*storage.Client{testutil.GenerateConfidentialClient(), testutil.GeneratePublicClient("read")}
	clients[1].GrantTypes = []string{"refresh_token"}

	require.NoError(t, printClients(&buf, clients))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], testutil.ConfidentialClient)
	assert.Contains(t, lines[1], "read write")
	assert.Contains(t, lines[1], "*")
	assert.Contains(t, lines[2], "refresh_token")
}
