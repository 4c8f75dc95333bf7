// Package mockmongo provides a Client test double for the session Mongo client
// built on goa.design/clue/mock. Tests queue expectations with Add or set a
// default with Set; calls with no expectation fail the test.
package mockmongo

import (
	"context"
	"testing"

	"goa.design/clue/mock"

	clientsmongo "goa.design/agentstate/features/session/mongo/clients/mongo"
	"goa.design/agentstate/runtime/session"
)

type (
	Client struct {
		m *mock.Mock
		t *testing.T
	}

	ClientNameFunc          func() string
	ClientPingFunc          func(ctx context.Context) error
	ClientInsertSessionFunc func(ctx context.Context, s session.Session) (session.Session, error)
	ClientLoadSessionFunc   func(ctx context.Context, sessionID string) (session.Session, error)
	ClientUpdateSessionFunc func(ctx context.Context, sessionID string, fields session.Fields) (session.Session, error)
)

func NewClient(t *testing.T) *Client {
	var (
		m                     = &Client{mock.New(), t}
		_ clientsmongo.Client = m
	)
	return m
}

func (m *Client) AddName(f ClientNameFunc) {
	m.m.Add("Name", f)
}

func (m *Client) SetName(f ClientNameFunc) {
	m.m.Set("Name", f)
}

func (m *Client) Name() string {
	if f := m.m.Next("Name"); f != nil {
		return f.(ClientNameFunc)()
	}
	m.t.Helper()
	m.t.Error("unexpected Name call")
	return ""
}

func (m *Client) AddPing(f ClientPingFunc) {
	m.m.Add("Ping", f)
}

func (m *Client) SetPing(f ClientPingFunc) {
	m.m.Set("Ping", f)
}

func (m *Client) Ping(ctx context.Context) error {
	if f := m.m.Next("Ping"); f != nil {
		return f.(ClientPingFunc)(ctx)
	}
	m.t.Helper()
	m.t.Error("unexpected Ping call")
	return nil
}

func (m *Client) AddInsertSession(f ClientInsertSessionFunc) {
	m.m.Add("InsertSession", f)
}

func (m *Client) SetInsertSession(f ClientInsertSessionFunc) {
	m.m.Set("InsertSession", f)
}

func (m *Client) InsertSession(ctx context.Context, s session.Session) (session.Session, error) {
	if f := m.m.Next("InsertSession"); f != nil {
		return f.(ClientInsertSessionFunc)(ctx, s)
	}
	m.t.Helper()
	m.t.Error("unexpected InsertSession call")
	return session.Session{}, nil
}

func (m *Client) AddLoadSession(f ClientLoadSessionFunc) {
	m.m.Add("LoadSession", f)
}

func (m *Client) SetLoadSession(f ClientLoadSessionFunc) {
	m.m.Set("LoadSession", f)
}

func (m *Client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if f := m.m.Next("LoadSession"); f != nil {
		return f.(ClientLoadSessionFunc)(ctx, sessionID)
	}
	m.t.Helper()
	m.t.Error("unexpected LoadSession call")
	return session.Session{}, nil
}

func (m *Client) AddUpdateSession(f ClientUpdateSessionFunc) {
	m.m.Add("UpdateSession", f)
}

func (m *Client) SetUpdateSession(f ClientUpdateSessionFunc) {
	m.m.Set("UpdateSession", f)
}

func (m *Client) UpdateSession(ctx context.Context, sessionID string, fields session.Fields) (session.Session, error) {
	if f := m.m.Next("UpdateSession"); f != nil {
		return f.(ClientUpdateSessionFunc)(ctx, sessionID, fields)
	}
	m.t.Helper()
	m.t.Error("unexpected UpdateSession call")
	return session.Session{}, nil
}

func (m *Client) HasMore() bool {
	return m.m.HasMore()
}
