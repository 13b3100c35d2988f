package schema

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
)

var ticketDescriptor = EntityDescriptor{
	Table: "tickets",
	Fields: []Field{
		{Name: "subject", Type: Text},
		{Name: "status", Type: Text, Default: "'open'"},
		{Name: "customer_id", Type: ForeignKey, References: "customers", Nullable: true},
		{Name: "amount", Type: Decimal, Nullable: true},
		{Name: "closed", Type: Boolean, Default: "false"},
		{Name: "opened_at", Type: Timestamp},
		{Name: "meta", Type: JSON, Nullable: true},
		{Name: "priority", Type: Integer},
	},
	Unique: [][]string{{"subject", "customer_id"}},
}

func TestCreateTableSQL(t *testing.T) {
	got := CreateTableSQL("acme_co", ticketDescriptor)

	assert.True(t, strings.HasPrefix(got, `CREATE TABLE IF NOT EXISTS "acme_co".tickets (`))
	for _, frag := range []string{
		"id BIGSERIAL PRIMARY KEY",
		"subject TEXT NOT NULL",
		"status TEXT NOT NULL DEFAULT 'open'",
		"customer_id BIGINT,",
		"amount NUMERIC(18,4),",
		"closed BOOLEAN NOT NULL DEFAULT false",
		"opened_at TIMESTAMPTZ NOT NULL",
		"meta JSONB,",
		"priority BIGINT NOT NULL",
		"CONSTRAINT uq_tickets_subject_customer_id UNIQUE (subject, customer_id)",
	} {
		assert.Contains(t, got, frag)
	}
}

func TestForeignKeySQL(t *testing.T) {
	stmts := ForeignKeySQL("acme_co", ticketDescriptor)
	require.Len(t, stmts, 1)
	assert.Equal(t,
		`ALTER TABLE "acme_co".tickets ADD CONSTRAINT fk_tickets_customer_id FOREIGN KEY (customer_id) REFERENCES "acme_co".customers (id) DEFERRABLE INITIALLY DEFERRED`,
		stmts[0])
}

func TestDescriptorValidate(t *testing.T) {
	bad := []EntityDescriptor{
		{Table: "Tickets"},
		{Table: "tickets; drop"},
		{Table: "t", Fields: []Field{{Name: "x y", Type: Text}}},
		{Table: "t", Fields: []Field{{Name: "x", Type: "uuid"}}},
		{Table: "t", Fields: []Field{{Name: "x", Type: ForeignKey}}},
		{Table: "t", Fields: []Field{{Name: "x", Type: Text}, {Name: "x", Type: Text}}},
		{Table: "t", Fields: []Field{{Name: "x", Type: Text, Default: "1; DROP TABLE t"}}},
		{Table: "t", Fields: []Field{{Name: "x", Type: Text}}, Unique: [][]string{{"y"}}},
	}
	for _, d := range bad {
		err := d.Validate()
		require.Error(t, err, d.Table)
		assert.True(t, errors.Is(err, apperr.Validation))
	}
	for _, d := range append(Baseline(), FeatureEntities()...) {
		assert.NoError(t, d.Validate(), d.Table)
	}
}

func setupSynth(t *testing.T) (*sql.Conn, sqlmock.Sqlmock, *Synthesizer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	return conn, mock, NewSynthesizer(zap.NewNop())
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_lock($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_unlock($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectExists(mock sqlmock.Sqlmock, ns, table string, exists bool) {
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM information_schema.tables`).
		WithArgs(ns, table).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestEnsureTable_AlreadyPresent(t *testing.T) {
	conn, mock, s := setupSynth(t)

	expectLock(mock)
	expectExists(mock, "acme_co", "tickets", true)
	expectUnlock(mock)

	created, err := s.EnsureTable(context.Background(), conn, ticketDescriptor, "acme_co")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_CreatesAndSwallowsForeignKeyFailure(t *testing.T) {
	conn, mock, s := setupSynth(t)

	expectLock(mock)
	expectExists(mock, "acme_co", "tickets", false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "acme_co".tickets`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "acme_co".tickets ADD CONSTRAINT fk_tickets_customer_id`)).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "acme_co.customers" does not exist`})
	expectUnlock(mock)

	created, err := s.EnsureTable(context.Background(), conn, ticketDescriptor, "acme_co")
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_RaceLoserTreatsDuplicateAsSuccess(t *testing.T) {
	conn, mock, s := setupSynth(t)

	expectLock(mock)
	expectExists(mock, "acme_co", "tickets", false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "acme_co".tickets`)).
		WillReturnError(&pq.Error{Code: apperr.PgDuplicateTable})
	expectUnlock(mock)

	created, err := s.EnsureTable(context.Background(), conn, ticketDescriptor, "acme_co")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_DDLFailureIsSchemaIntegrity(t *testing.T) {
	conn, mock, s := setupSynth(t)

	expectLock(mock)
	expectExists(mock, "acme_co", "tickets", false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "acme_co".tickets`)).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied"})
	expectUnlock(mock)

	_, err := s.EnsureTable(context.Background(), conn, ticketDescriptor, "acme_co")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.SchemaIntegrity))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureTable_RejectsBadNamespaceWithoutSQL(t *testing.T) {
	conn, mock, s := setupSynth(t)

	_, err := s.EnsureTable(context.Background(), conn, ticketDescriptor, `acme"; DROP SCHEMA public; --`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidNamespace))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockKeyDependsOnNamespaceAndTable(t *testing.T) {
	assert.Equal(t, lockKey("a", "t"), lockKey("a", "t"))
	assert.NotEqual(t, lockKey("a", "t"), lockKey("b", "t"))
	assert.NotEqual(t, lockKey("a", "t"), lockKey("a", "u"))
}

func TestRegistryEnsure_ResolvesForeignKeyTargetsFirst(t *testing.T) {
	conn, mock, s := setupSynth(t)
	reg := DefaultRegistry()

	// documents -> customers
	expectLock(mock)
	expectExists(mock, "acme_co", "customers", false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "acme_co".customers`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectUnlock(mock)

	expectLock(mock)
	expectExists(mock, "acme_co", "documents", false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "acme_co".documents`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "acme_co".documents ADD CONSTRAINT fk_documents_customer_id`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectUnlock(mock)

	created, err := reg.Ensure(context.Background(), s, conn, "documents", "acme_co")
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "documents"}, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	_, ok := reg.Lookup("tickets")
	assert.True(t, ok)
	assert.Contains(t, reg.Names(), TableUsers)

	err := reg.Register(EntityDescriptor{Table: "tickets"})
	assert.True(t, errors.Is(err, apperr.DuplicateIdentifier))

	_, err = reg.Ensure(context.Background(), NewSynthesizer(zap.NewNop()), nil, "nope", "acme_co")
	assert.True(t, errors.Is(err, apperr.NotFound))
}
