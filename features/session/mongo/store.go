package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentstate/features/session/mongo/clients/mongo"
	"goa.design/agentstate/runtime/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create inserts a new session document.
func (s *Store) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	return s.client.InsertSession(ctx, sess)
}

// Get loads a session document.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	return s.client.LoadSession(ctx, id)
}

// Update writes fields onto the session document.
func (s *Store) Update(ctx context.Context, id string, fields session.Fields) (session.Session, error) {
	return s.client.UpdateSession(ctx, id, fields)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
