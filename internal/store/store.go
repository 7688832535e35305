// Package store is the record-store boundary for company intel: contacts are
// read, intel records are written.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

var ErrNotFound = eris.New("store: not found")

type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Company   string `json:"company"`
	Role      string `json:"role"`
	Website   string `json:"website"`
	CreatedAt string `json:"created_at"`
}

// Section is one generated elaboration on a brief.
type Section struct {
	Content     string `json:"content"`
	GeneratedAt string `json:"generated_at"`
}

// IntelRecord holds the brief for one contact. At most one record exists per
// contact.
type IntelRecord struct {
	ID          string             `json:"id"`
	ContactID   string             `json:"contact_id"`
	UserID      string             `json:"user_id,omitempty"`
	Brief       string             `json:"brief"`
	WebsiteUsed string             `json:"website_used"`
	Sections    map[string]Section `json:"sections"`
	UpdatedAt   string             `json:"updated_at"`
}

type Store interface {
	GetContact(ctx context.Context, contactID string) (*Contact, error)
	UpsertContact(ctx context.Context, contact Contact) error
	// GetIntel returns nil without error when the contact has no record.
	GetIntel(ctx context.Context, contactID string) (*IntelRecord, error)
	// UpsertIntel inserts or replaces the record keyed by ContactID in one
	// statement, sections included.
	UpsertIntel(ctx context.Context, record IntelRecord) error
	// PutSection merges one section into an existing record and bumps its
	// updated_at. Other sections and the brief are untouched. Returns
	// ErrNotFound when the contact has no record.
	PutSection(ctx context.Context, contactID string, key string, section Section) error
	DeleteIntel(ctx context.Context, contactID string) error
	// ListStaleIntel returns records whose website_used differs from the
	// contact's current website.
	ListStaleIntel(ctx context.Context) ([]IntelRecord, error)
	Ping(ctx context.Context) error
}

// IsStale reports whether record was generated from a website other than the
// one currently recorded on contact. Records without a website are never
// stale.
func IsStale(record *IntelRecord, contact *Contact) bool {
	if record == nil || contact == nil {
		return false
	}
	used := strings.TrimSpace(record.WebsiteUsed)
	return used != "" && used != strings.TrimSpace(contact.Website)
}
