package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvil-online/crm-intel/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]store.Contact
	intel    map[string]store.IntelRecord
	now      func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		contacts: map[string]store.Contact{},
		intel:    map[string]store.IntelRecord{},
		now:      time.Now,
	}
}

func (m *MemoryStore) GetContact(ctx context.Context, contactID string) (*store.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contact, ok := m.contacts[contactID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &contact, nil
}

func (m *MemoryStore) UpsertContact(ctx context.Context, contact store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contact.CreatedAt == "" {
		if existing, ok := m.contacts[contact.ID]; ok {
			contact.CreatedAt = existing.CreatedAt
		} else {
			contact.CreatedAt = m.timestamp()
		}
	}
	m.contacts[contact.ID] = contact
	return nil
}

func (m *MemoryStore) GetIntel(ctx context.Context, contactID string) (*store.IntelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.intel[contactID]
	if !ok {
		return nil, nil
	}
	record.Sections = copySections(record.Sections)
	return &record, nil
}

func (m *MemoryStore) UpsertIntel(ctx context.Context, record store.IntelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.intel[record.ContactID]; ok {
		record.ID = existing.ID
	} else if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt == "" {
		record.UpdatedAt = m.timestamp()
	}
	record.Sections = copySections(record.Sections)
	m.intel[record.ContactID] = record
	return nil
}

func (m *MemoryStore) PutSection(ctx context.Context, contactID string, key string, section store.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.intel[contactID]
	if !ok {
		return store.ErrNotFound
	}
	sections := copySections(record.Sections)
	sections[key] = section
	record.Sections = sections
	record.UpdatedAt = m.timestamp()
	m.intel[contactID] = record
	return nil
}

func (m *MemoryStore) DeleteIntel(ctx context.Context, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intel, contactID)
	return nil
}

func (m *MemoryStore) ListStaleIntel(ctx context.Context) ([]store.IntelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stale := []store.IntelRecord{}
	for contactID, record := range m.intel {
		contact, ok := m.contacts[contactID]
		if !ok || !store.IsStale(&record, &contact) {
			continue
		}
		record.Sections = copySections(record.Sections)
		stale = append(stale, record)
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ContactID < stale[j].ContactID
	})
	return stale, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func copySections(in map[string]store.Section) map[string]store.Section {
	out := make(map[string]store.Section, len(in))
	for key, section := range in {
		out[key] = section
	}
	return out
}
