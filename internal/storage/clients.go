package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nucleus-ai/nucleus/internal/model"
)

// CreateClient inserts a new API client.
func (db *DB) CreateClient(ctx context.Context, client model.APIClient) (model.APIClient, error) {
	if client.ID == uuid.Nil {
		client.ID = uuid.New()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	if !model.ValidClientRole(client.Role) {
		return model.APIClient{}, fmt.Errorf("storage: invalid client role %q", client.Role)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_clients (id, client_id, key_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		client.ID, client.ClientID, client.KeyHash, string(client.Role), client.CreatedAt,
	)
	if err != nil {
		return model.APIClient{}, fmt.Errorf("storage: create client: %w", err)
	}
	return client, nil
}

// GetClientByClientID retrieves an API client by its external identifier.
func (db *DB) GetClientByClientID(ctx context.Context, clientID string) (model.APIClient, error) {
	var c model.APIClient
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, key_hash, role, created_at, last_seen
		 FROM api_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.ClientID, &c.KeyHash, &c.Role, &c.CreatedAt, &c.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIClient{}, fmt.Errorf("storage: client %s: %w", clientID, ErrNotFound)
		}
		return model.APIClient{}, fmt.Errorf("storage: get client: %w", err)
	}
	return c, nil
}

// TouchClientLastSeen updates the last_seen timestamp for a client to now().
// Fire-and-forget from the auth path.
func (db *DB) TouchClientLastSeen(ctx context.Context, clientID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_clients SET last_seen = now() WHERE client_id = $1`, clientID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch client last_seen: %w", err)
	}
	return nil
}
