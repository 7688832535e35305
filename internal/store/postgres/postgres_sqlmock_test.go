package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/anvil-online/crm-intel/internal/store"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	cleanup := func() {
		_ = db.Close()
	}
	return &PostgresStore{db: db, now: func() time.Time { return fixedNow }}, mock, cleanup
}

var intelRowColumns = []string{"id", "contact_id", "user_id", "brief", "website_used", "sections", "updated_at"}

func TestNew_OpenError(t *testing.T) {
	old := openDB
	openDB = func(string, string) (*sql.DB, error) {
		return nil, errors.New("open failed")
	}
	t.Cleanup(func() { openDB = old })

	_, err := New("postgres://invalid")
	require.Error(t, err)
}

func TestVerifySchema(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.contacts").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("contacts"))
	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.company_intel").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))

	err := verifySchema(ctx, pgStore.db)
	require.Error(t, err)
	require.Contains(t, err.Error(), "company_intel table not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySchema_QueryError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT to_regclass").WillReturnError(errors.New("query error"))
	require.Error(t, verifySchema(ctx, pgStore.db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContact(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "name", "email", "company", "role", "website", "created_at"}).
		AddRow("c-1", "Ada", "ada@acme.com", "Acme", "COO", "acme.com", fixedNow)
	mock.ExpectQuery("SELECT id, name, email, company, role, website, created_at").WithArgs("c-1").WillReturnRows(rows)

	contact, err := pgStore.GetContact(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "acme.com", contact.Website)
	require.Equal(t, "2026-03-04T05:06:07Z", contact.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContact_NotFound(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, name, email").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err := pgStore.GetContact(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntel(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	sections := []byte(`{"objections":{"content":"too pricey","generated_at":"2026-03-01T00:00:00Z"},"key_questions":{"content":""}}`)
	rows := sqlmock.NewRows(intelRowColumns).AddRow("i-1", "c-1", "u-1", "Acme brief", "acme.com", sections, fixedNow)
	mock.ExpectQuery("FROM company_intel i").WithArgs("c-1").WillReturnRows(rows)

	record, err := pgStore.GetIntel(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "Acme brief", record.Brief)
	require.Equal(t, "acme.com", record.WebsiteUsed)
	require.Len(t, record.Sections, 1)
	require.Equal(t, "too pricey", record.Sections["objections"].Content)
	require.Equal(t, "2026-03-04T05:06:07Z", record.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntel_NoRecord(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("FROM company_intel i").WithArgs("c-1").WillReturnRows(sqlmock.NewRows(intelRowColumns))
	record, err := pgStore.GetIntel(ctx, "c-1")
	require.NoError(t, err)
	require.Nil(t, record)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertIntel_SingleStatement(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (contact_id)")).
		WithArgs(sqlmock.AnyArg(), "c-1", "u-1", "brief", "acme.com", []byte("{}"), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pgStore.UpsertIntel(ctx, store.IntelRecord{ContactID: "c-1", UserID: "u-1", Brief: "brief", WebsiteUsed: "acme.com"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertIntel_ExecError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO company_intel").WillReturnError(errors.New("exec error"))
	require.Error(t, pgStore.UpsertIntel(ctx, store.IntelRecord{ContactID: "c-1"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutSection_MergesOneKey(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("COALESCE(sections, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb)")).
		WithArgs("c-1", "objections", []byte(`{"content":"too pricey","generated_at":"2026-03-04T05:06:07Z"}`), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pgStore.PutSection(ctx, "c-1", "objections", store.Section{Content: "too pricey", GeneratedAt: "2026-03-04T05:06:07Z"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutSection_NoRecord(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE company_intel").WillReturnResult(sqlmock.NewResult(0, 0))
	err := pgStore.PutSection(ctx, "c-1", "objections", store.Section{Content: "x"})
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIntel(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM company_intel WHERE contact_id").WithArgs("c-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pgStore.DeleteIntel(ctx, "c-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleIntel(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(intelRowColumns).
		AddRow("i-1", "c-1", "u-1", "brief one", "old-acme.com", []byte(`{}`), fixedNow).
		AddRow("i-2", "c-2", "", "brief two", "old-beta.io", nil, fixedNow)
	mock.ExpectQuery("IS DISTINCT FROM c.website").WillReturnRows(rows)

	records, err := pgStore.ListStaleIntel(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "c-2", records[1].ContactID)
	require.Empty(t, records[1].Sections)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleIntel_RowsErr(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(intelRowColumns).
		AddRow("i-1", "c-1", "u-1", "brief", "old.com", []byte(`{}`), fixedNow).
		AddRow("i-2", "c-2", "u-1", "brief", "old.com", []byte(`{}`), fixedNow)
	rows.RowError(1, errors.New("row error"))
	mock.ExpectQuery("FROM company_intel i").WillReturnRows(rows)

	_, err := pgStore.ListStaleIntel(ctx)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleIntel_ScanError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	rows := sqlmock.NewRows(intelRowColumns).AddRow("i-1", "c-1", "u-1", "brief", "old.com", []byte(`{}`), "not-a-time")
	mock.ExpectQuery("FROM company_intel i").WillReturnRows(rows)

	_, err := pgStore.ListStaleIntel(ctx)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertContact(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO contacts").
		WithArgs("c-1", "Ada", "ada@acme.com", "Acme", "COO", "acme.com", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pgStore.UpsertContact(ctx, store.Contact{ID: "c-1", Name: "Ada", Email: "ada@acme.com", Company: "Acme", Role: "COO", Website: "acme.com"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeSections_Invalid(t *testing.T) {
	require.Empty(t, decodeSections([]byte("not json")))
	require.Empty(t, decodeSections(nil))
}
