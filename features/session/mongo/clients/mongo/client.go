// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentstate/runtime/session"
)

const (
	defaultSessionsCollection = "sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session records. Connectivity
// failures are wrapped with session.ErrStoreUnavailable.
type Client interface {
	health.Pinger

	InsertSession(ctx context.Context, s session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	UpdateSession(ctx context.Context, sessionID string, fields session.Fields) (session.Session, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB. It creates the collection indexes
// when missing.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(sessionsCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, unavailable("create indexes", err)
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertSession(ctx context.Context, s session.Session) (session.Session, error) {
	if s.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if s.CreatedAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}
	doc := fromSession(s)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.sessions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.Session{}, fmt.Errorf("%w: %s", session.ErrSessionExists, s.ID)
		}
		return session.Session{}, unavailable("insert session", err)
	}
	return doc.toSession(), nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, unavailable("load session", err)
	}
	return doc.toSession(), nil
}

func (c *client) UpdateSession(ctx context.Context, sessionID string, fields session.Fields) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	set := bson.M{}
	if fields.Status != nil {
		set["status"] = *fields.Status
	}
	if fields.TotalTurns != nil {
		set["total_turns"] = *fields.TotalTurns
	}
	if fields.TotalCost != nil {
		set["total_cost"] = *fields.TotalCost
	}
	updatedAt := fields.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	set["updated_at"] = updatedAt.UTC().Truncate(time.Millisecond)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := c.sessions.FindOneAndUpdate(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": set}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, unavailable("update session", err)
	}
	return doc.toSession(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("mongo %s: %w: %w", op, session.ErrStoreUnavailable, err)
}

// BSON dates carry millisecond precision; documents are truncated on the way
// in so the returned session matches what a later load sees.
type sessionDocument struct {
	SessionID  string         `bson:"session_id"`
	Model      string         `bson:"model"`
	Status     session.Status `bson:"status"`
	TotalTurns int            `bson:"total_turns"`
	TotalCost  *float64       `bson:"total_cost,omitempty"`
	ParentID   string         `bson:"parent_id,omitempty"`
	CreatedAt  time.Time      `bson:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

func fromSession(s session.Session) sessionDocument {
	s = s.Clone()
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.CreatedAt
	}
	return sessionDocument{
		SessionID:  s.ID,
		Model:      s.Model,
		Status:     s.Status,
		TotalTurns: s.TotalTurns,
		TotalCost:  s.TotalCost,
		ParentID:   s.ParentID,
		CreatedAt:  s.CreatedAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:  updatedAt.UTC().Truncate(time.Millisecond),
	}
}

func (doc sessionDocument) toSession() session.Session {
	var cost *float64
	if doc.TotalCost != nil {
		c := *doc.TotalCost
		cost = &c
	}
	return session.Session{
		ID:         doc.SessionID,
		Model:      doc.Model,
		Status:     doc.Status,
		TotalTurns: doc.TotalTurns,
		TotalCost:  cost,
		ParentID:   doc.ParentID,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	parentIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "parent_id", Value: 1}},
		Options: options.Index().
			SetPartialFilterExpression(bson.M{"parent_id": bson.M{"$exists": true}}),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, parentIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	InsertOne(ctx context.Context, doc any) error
	FindOneAndUpdate(ctx context.Context, filter any, update any) singleResult
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

// FindOneAndUpdate returns the document as it is after the update.
func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After))
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
