package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"

	"github.com/anvil-online/crm-intel/internal/store"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"contacts", "company_intel"} {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return eris.Wrapf(err, "postgres: verify %s", table)
		}
		if !regclass.Valid {
			return eris.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) GetContact(ctx context.Context, contactID string) (*store.Contact, error) {
	const query = `
		SELECT id, name, email, company, role, website, created_at
		FROM contacts
		WHERE id = $1
	`
	var createdAt time.Time
	contact := store.Contact{}
	if err := p.db.QueryRowContext(ctx, query, contactID).Scan(
		&contact.ID,
		&contact.Name,
		&contact.Email,
		&contact.Company,
		&contact.Role,
		&contact.Website,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get contact %s", contactID)
	}
	contact.CreatedAt = formatTime(createdAt)
	return &contact, nil
}

func (p *PostgresStore) UpsertContact(ctx context.Context, contact store.Contact) error {
	const query = `
		INSERT INTO contacts (id, name, email, company, role, website, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			company = EXCLUDED.company,
			role = EXCLUDED.role,
			website = EXCLUDED.website
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		contact.ID,
		contact.Name,
		contact.Email,
		contact.Company,
		contact.Role,
		contact.Website,
		p.parseTimestamp(contact.CreatedAt),
	)
	return eris.Wrapf(err, "postgres: upsert contact %s", contact.ID)
}

const intelColumns = `i.id, i.contact_id, COALESCE(i.user_id, ''), COALESCE(i.brief, ''), COALESCE(i.website_used, ''), i.sections, i.updated_at`

func (p *PostgresStore) GetIntel(ctx context.Context, contactID string) (*store.IntelRecord, error) {
	query := `
		SELECT ` + intelColumns + `
		FROM company_intel i
		WHERE i.contact_id = $1
		ORDER BY i.updated_at DESC
		LIMIT 1
	`
	record, err := scanIntel(p.db.QueryRowContext(ctx, query, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get intel %s", contactID)
	}
	return &record, nil
}

func (p *PostgresStore) UpsertIntel(ctx context.Context, record store.IntelRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	sections, err := encodeSections(record.Sections)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO company_intel (id, contact_id, user_id, brief, website_used, sections, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (contact_id)
		DO UPDATE SET
			user_id = EXCLUDED.user_id,
			brief = EXCLUDED.brief,
			website_used = EXCLUDED.website_used,
			sections = EXCLUDED.sections,
			updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.ContactID,
		nullString(record.UserID),
		record.Brief,
		nullString(record.WebsiteUsed),
		sections,
		p.parseTimestamp(record.UpdatedAt),
	)
	return eris.Wrapf(err, "postgres: upsert intel %s", record.ContactID)
}

func (p *PostgresStore) PutSection(ctx context.Context, contactID string, key string, section store.Section) error {
	payload, err := json.Marshal(section)
	if err != nil {
		return eris.Wrap(err, "postgres: encode section")
	}
	const query = `
		UPDATE company_intel
		SET sections = COALESCE(sections, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
			updated_at = $4
		WHERE contact_id = $1
	`
	result, err := p.db.ExecContext(ctx, query, contactID, key, payload, p.now().UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: put section %s/%s", contactID, key)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "postgres: put section rows")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteIntel(ctx context.Context, contactID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM company_intel WHERE contact_id = $1", contactID)
	return eris.Wrapf(err, "postgres: delete intel %s", contactID)
}

func (p *PostgresStore) ListStaleIntel(ctx context.Context) ([]store.IntelRecord, error) {
	query := `
		SELECT ` + intelColumns + `
		FROM company_intel i
		JOIN contacts c ON c.id = i.contact_id
		WHERE COALESCE(i.website_used, '') <> ''
			AND i.website_used IS DISTINCT FROM c.website
		ORDER BY i.contact_id
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale intel")
	}
	defer rows.Close()

	records := []store.IntelRecord{}
	for rows.Next() {
		record, err := scanIntel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale intel")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate stale intel")
	}
	return records, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntel(row rowScanner) (store.IntelRecord, error) {
	var (
		record    store.IntelRecord
		sections  []byte
		updatedAt time.Time
	)
	if err := row.Scan(
		&record.ID,
		&record.ContactID,
		&record.UserID,
		&record.Brief,
		&record.WebsiteUsed,
		&sections,
		&updatedAt,
	); err != nil {
		return store.IntelRecord{}, err
	}
	record.Sections = decodeSections(sections)
	record.UpdatedAt = formatTime(updatedAt)
	return record, nil
}

func encodeSections(sections map[string]store.Section) ([]byte, error) {
	if sections == nil {
		sections = map[string]store.Section{}
	}
	payload, err := json.Marshal(sections)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode sections")
	}
	return payload, nil
}

// decodeSections drops entries without content, matching how readers treat
// a half-written section.
func decodeSections(raw []byte) map[string]store.Section {
	sections := map[string]store.Section{}
	if len(raw) == 0 {
		return sections
	}
	decoded := map[string]store.Section{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return sections
	}
	for key, section := range decoded {
		if section.Content != "" {
			sections[key] = section
		}
	}
	return sections
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (p *PostgresStore) parseTimestamp(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return p.now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
