// Package sqlite is a single-node record store for local runs. The schema is
// created on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/anvil-online/crm-intel/internal/store"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func New(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "sqlite: create database directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS company_intel (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL UNIQUE,
		user_id TEXT,
		brief TEXT,
		website_used TEXT,
		sections TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_company_intel_updated ON company_intel(updated_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "sqlite: create schema")
	}
	return nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, contactID string) (*store.Contact, error) {
	const query = `SELECT id, name, email, company, role, website, created_at FROM contacts WHERE id = ?`
	contact := store.Contact{}
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(
		&contact.ID, &contact.Name, &contact.Email, &contact.Company,
		&contact.Role, &contact.Website, &contact.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get contact %s", contactID)
	}
	return &contact, nil
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, contact store.Contact) error {
	const query = `
		INSERT INTO contacts (id, name, email, company, role, website, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			company = excluded.company,
			role = excluded.role,
			website = excluded.website
	`
	_, err := s.db.ExecContext(ctx, query,
		contact.ID, contact.Name, contact.Email, contact.Company,
		contact.Role, contact.Website, s.timestamp(contact.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert contact %s", contact.ID)
}

const intelColumns = `i.id, i.contact_id, COALESCE(i.user_id, ''), COALESCE(i.brief, ''), COALESCE(i.website_used, ''), i.sections, i.updated_at`

func (s *SQLiteStore) GetIntel(ctx context.Context, contactID string) (*store.IntelRecord, error) {
	query := `SELECT ` + intelColumns + ` FROM company_intel i WHERE i.contact_id = ? ORDER BY i.updated_at DESC LIMIT 1`
	record, err := scanIntel(s.db.QueryRowContext(ctx, query, contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get intel %s", contactID)
	}
	return &record, nil
}

func (s *SQLiteStore) UpsertIntel(ctx context.Context, record store.IntelRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Sections == nil {
		record.Sections = map[string]store.Section{}
	}
	sections, err := json.Marshal(record.Sections)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode sections")
	}
	const query = `
		INSERT INTO company_intel (id, contact_id, user_id, brief, website_used, sections, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET
			user_id = excluded.user_id,
			brief = excluded.brief,
			website_used = excluded.website_used,
			sections = excluded.sections,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.ContactID, nullString(record.UserID), record.Brief,
		nullString(record.WebsiteUsed), string(sections), s.timestamp(record.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert intel %s", record.ContactID)
}

func (s *SQLiteStore) PutSection(ctx context.Context, contactID string, key string, section store.Section) error {
	payload, err := json.Marshal(section)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode section")
	}
	const query = `
		UPDATE company_intel
		SET sections = json_set(COALESCE(sections, '{}'), '$.' || json_quote(?), json(?)),
			updated_at = ?
		WHERE contact_id = ?
	`
	result, err := s.db.ExecContext(ctx, query, key, string(payload), s.now().UTC().Format(time.RFC3339Nano), contactID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put section %s/%s", contactID, key)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: put section rows")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteIntel(ctx context.Context, contactID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM company_intel WHERE contact_id = ?`, contactID)
	return eris.Wrapf(err, "sqlite: delete intel %s", contactID)
}

func (s *SQLiteStore) ListStaleIntel(ctx context.Context) ([]store.IntelRecord, error) {
	query := `
		SELECT ` + intelColumns + `
		FROM company_intel i
		JOIN contacts c ON c.id = i.contact_id
		WHERE COALESCE(i.website_used, '') <> ''
			AND i.website_used IS NOT c.website
		ORDER BY i.contact_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale intel")
	}
	defer rows.Close()

	records := []store.IntelRecord{}
	for rows.Next() {
		record, err := scanIntel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale intel")
		}
		records = append(records, record)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate stale intel")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntel(row rowScanner) (store.IntelRecord, error) {
	var (
		record   store.IntelRecord
		sections string
	)
	if err := row.Scan(
		&record.ID, &record.ContactID, &record.UserID, &record.Brief,
		&record.WebsiteUsed, &sections, &record.UpdatedAt,
	); err != nil {
		return store.IntelRecord{}, err
	}
	record.Sections = map[string]store.Section{}
	decoded := map[string]store.Section{}
	if err := json.Unmarshal([]byte(sections), &decoded); err == nil {
		for key, section := range decoded {
			if section.Content != "" {
				record.Sections[key] = section
			}
		}
	}
	return record, nil
}

func (s *SQLiteStore) timestamp(value string) string {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		parsed = s.now()
	}
	return parsed.UTC().Format(time.RFC3339Nano)
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
