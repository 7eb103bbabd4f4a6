package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const clientColumns = `id, kind, secret_hash, name, scopes, redirect_uris, grant_types, created_at`

func scanClient(row scanner) (*storage.Client, error) {
	var (
		c    storage.Client
		kind string
	)
	if err := row.Scan(&c.ID, &kind, &c.SecretHash, &c.Name, &c.Scopes, &c.RedirectURIs, &c.GrantTypes, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Kind = storage.ClientKind(kind)
	c.Scopes = nilIfEmpty(c.Scopes)
	c.RedirectURIs = nilIfEmpty(c.RedirectURIs)
	c.GrantTypes = nilIfEmpty(c.GrantTypes)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// ============================================================
// ClientRegistry Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			secret_hash = EXCLUDED.secret_hash,
			name = EXCLUDED.name,
			scopes = EXCLUDED.scopes,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types`,
		client.ID, string(client.Kind), client.SecretHash, client.Name,
		nonNil(client.Scopes), nonNil(client.RedirectURIs), nonNil(client.GrantTypes), createdAt)
	if err != nil {
		return wrapError("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, wrapError("get client", err)
	}
	return client, nil
}

// ListClients returns all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, wrapError("list clients", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, wrapError("scan client", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list clients", err)
	}
	return clients, nil
}

// ============================================================
// UserAuthenticator Implementation
// ============================================================

// dummyPasswordHash is compared against when the username is unknown so lookups of
// unknown and known users take the same time
var dummyPasswordHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// AddUser creates or replaces an end user with a bcrypt password hash
func (s *Store) AddUser(ctx context.Context, userID, username, password string) error {
	if userID == "" || username == "" || password == "" {
		return fmt.Errorf("user ID, username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, password_hash = EXCLUDED.password_hash`,
		userID, username, string(hash))
	if err != nil {
		return wrapError("add user", err)
	}
	return nil
}

// AuthenticateUser verifies a username/password pair
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (string, error) {
	var userID, hash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE username = $1`, username,
	).Scan(&userID, &hash)

	found := true
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", wrapError("authenticate user", err)
		}
		found = false
	}

	hashBytes := dummyPasswordHash
	if found {
		hashBytes = []byte(hash)
	}

	// SECURITY: always run the bcrypt comparison
	if err := bcrypt.CompareHashAndPassword(hashBytes, []byte(password)); err != nil || !found {
		return "", storage.ErrInvalidCredentials
	}
	return userID, nil
}
