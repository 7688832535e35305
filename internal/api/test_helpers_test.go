package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/config"
	"github.com/anvil-online/crm-intel/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetContact(ctx context.Context, contactID string) (*store.Contact, error) {
	args := m.Called(ctx, contactID)
	if value := args.Get(0); value != nil {
		return value.(*store.Contact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) UpsertContact(ctx context.Context, contact store.Contact) error {
	args := m.Called(ctx, contact)
	return args.Error(0)
}

func (m *MockStore) GetIntel(ctx context.Context, contactID string) (*store.IntelRecord, error) {
	args := m.Called(ctx, contactID)
	if value := args.Get(0); value != nil {
		return value.(*store.IntelRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) UpsertIntel(ctx context.Context, record store.IntelRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) PutSection(ctx context.Context, contactID string, key string, section store.Section) error {
	args := m.Called(ctx, contactID, key, section)
	return args.Error(0)
}

func (m *MockStore) DeleteIntel(ctx context.Context, contactID string) error {
	args := m.Called(ctx, contactID)
	return args.Error(0)
}

func (m *MockStore) ListStaleIntel(ctx context.Context) ([]store.IntelRecord, error) {
	args := m.Called(ctx)
	var result []store.IntelRecord
	if value := args.Get(0); value != nil {
		result = value.([]store.IntelRecord)
	}
	return result, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) StartRefresh(ctx context.Context, contactID, userID string) (string, error) {
	args := m.Called(ctx, contactID, userID)
	return args.String(0), args.Error(1)
}

func (m *MockRefresher) RefreshStale(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// stubGenerator plays back canned answers. Stream emits events in order and
// then returns streamErr.
type stubGenerator struct {
	text      string
	err       error
	events    []brief.Event
	streamErr error
	block     bool
	requests  chan brief.Request
}

func (g *stubGenerator) Generate(ctx context.Context, req brief.Request) (string, error) {
	g.observe(req)
	return g.text, g.err
}

func (g *stubGenerator) Stream(ctx context.Context, req brief.Request, emit func(brief.Event) error) error {
	g.observe(req)
	for _, event := range g.events {
		if err := emit(event); err != nil {
			return err
		}
	}
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return g.streamErr
}

func (g *stubGenerator) observe(req brief.Request) {
	if g.requests != nil {
		g.requests <- req
	}
}

func newTestServer(t *testing.T, st store.Store, generator Generator, refresher RefreshService, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(st, generator, refresher, nil, cfg, nil)
	return httptest.NewServer(server.Router())
}
