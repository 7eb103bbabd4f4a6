package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// Fixture values shared by engine tests.
const (
	ClientSecret       = "s3cret-client-password"
	ConfidentialClient = "confidential-client"
	PublicClient       = "public-client"
	RedirectURI        = "https://client.example.com/callback"
	TestUserID         = "user-123"
)

// MockTime provides a controllable time source for deterministic testing.
// It satisfies security.Clock and is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// HashSecret bcrypt-hashes a client secret at the minimum cost to keep tests fast
func HashSecret(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash secret: %v", err))
	}
	return string(hash)
}

// GenerateConfidentialClient creates a confidential client whose secret is ClientSecret
func GenerateConfidentialClient(scopes ...string) *storage.Client {
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}
	return &storage.Client{
		ID:           ConfidentialClient,
		Kind:         storage.ClientKindConfidential,
		SecretHash:   HashSecret(ClientSecret),
		Name:         "Confidential Test Client",
		Scopes:       scopes,
		RedirectURIs: []string{RedirectURI},
		CreatedAt:    time.Now(),
	}
}

// GeneratePublicClient creates a public client with no secret
func GeneratePublicClient(scopes ...string) *storage.Client {
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}
	return &storage.Client{
		ID:           PublicClient,
		Kind:         storage.ClientKindPublic,
		Name:         "Public Test Client",
		Scopes:       scopes,
		RedirectURIs: []string{RedirectURI},
		CreatedAt:    time.Now(),
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
