package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// clientJSON is the stored form of a client registration
type clientJSON struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	SecretHash   string   `json:"secret_hash,omitempty"`
	Name         string   `json:"name,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ID:           c.ID,
		Kind:         string(c.Kind),
		SecretHash:   c.SecretHash,
		Name:         c.Name,
		Scopes:       c.Scopes,
		RedirectURIs: c.RedirectURIs,
		GrantTypes:   c.GrantTypes,
		CreatedAt:    formatTime(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) (*storage.Client, error) {
	createdAt, err := parseTime(j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &storage.Client{
		ID:           j.ID,
		Kind:         storage.ClientKind(j.Kind),
		SecretHash:   j.SecretHash,
		Name:         j.Name,
		Scopes:       j.Scopes,
		RedirectURIs: j.RedirectURIs,
		GrantTypes:   j.GrantTypes,
		CreatedAt:    createdAt,
	}, nil
}

// ============================================================
// ClientRegistry Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return wrapError("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), "get client", storage.ErrClientNotFound, fromClientJSON)
}

// ListClients returns all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return a key more than once across iterations
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, wrapError("scan clients", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, found, err := s.get(ctx, key, "get client")
			if err != nil {
				return nil, err
			}
			if !found {
				continue // deleted between SCAN and GET
			}

			client, err := unmarshalRecord(data, "list clients", fromClientJSON)
			if err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}
			clientMap[key] = client
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}
