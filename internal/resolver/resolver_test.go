package resolver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-tenancy/internal/apperr"
	"schema-tenancy/internal/auth"
	"schema-tenancy/internal/model"
	"schema-tenancy/internal/namespace"
	"schema-tenancy/internal/storage"
)

type mapCatalog map[string]*model.Tenant

func (m mapCatalog) TenantByNamespace(_ context.Context, ns string) (*model.Tenant, error) {
	if t, ok := m[ns]; ok {
		return t, nil
	}
	return nil, apperr.NotFoundf("namespace %q", ns)
}

var catalog = mapCatalog{
	"acme_co":   {ID: 7, Slug: "acme", Namespace: "acme_co", Status: model.TenantActive},
	"globex":    {ID: 8, Slug: "globex", Namespace: "globex", Status: model.TenantTrial},
	"initech":   {ID: 9, Slug: "initech", Namespace: "initech", Status: model.TenantSuspended},
	"no_schema": {ID: 10, Slug: "no-schema", Namespace: "no_schema", Status: model.TenantActive},
}

func setup(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *auth.Signer, *Resolver) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := auth.NewSigner("s3cret", time.Hour)
	require.NoError(t, err)
	return db, mock, signer, New(signer, catalog, time.Second, zap.NewNop())
}

func lease(t *testing.T, db *sql.DB) *namespace.Lease {
	t.Helper()
	l, err := namespace.Acquire(context.Background(), db, "public")
	require.NoError(t, err)
	return l
}

func token(t *testing.T, s *auth.Signer, ns string, userID, tenantID int64) string {
	t.Helper()
	tok, err := s.GenerateToken(ns, userID, tenantID)
	require.NoError(t, err)
	return tok
}

func expectSchema(mock sqlmock.Sqlmock, ns string, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta(`FROM information_schema.schemata WHERE schema_name = $1`)).
		WithArgs(ns).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectSet(mock sqlmock.Sqlmock, ns string) {
	mock.ExpectExec(regexp.QuoteMeta(`SET search_path TO "` + ns + `"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUser(mock sqlmock.Sqlmock, id int64, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestResolveAndBind_Success(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	expectSchema(mock, "acme_co", true)
	expectSet(mock, "public")
	expectSet(mock, "acme_co")
	expectUser(mock, 5, true)

	p, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "acme_co", 5, 7))
	require.NoError(t, err)
	assert.Equal(t, &model.TenantPrincipal{UserID: 5, Namespace: "acme_co", TenantID: 7}, p)
	assert.Equal(t, "acme_co", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_InvalidNamespaceNeverReachesSQL(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	for _, ns := range []string{"acme_co; DROP SCHEMA public", "acme co", "acme\tco", "public"} {
		_, err := r.ResolveAndBind(context.Background(), l, token(t, signer, ns, 5, 7))
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperr.ErrInvalidNamespace), ns)
	}
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_GhostNamespaceLeavesDefault(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	_, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "ghost_co", 5, 7))
	assert.True(t, errors.Is(err, apperr.ErrUnknownNamespace))
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_CatalogEntryWithoutSchema(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	expectSchema(mock, "no_schema", false)

	_, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "no_schema", 5, 10))
	assert.True(t, errors.Is(err, apperr.ErrUnknownNamespace))
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_UnknownPrincipalResetsLease(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	expectSchema(mock, "acme_co", true)
	expectSet(mock, "public")
	expectSet(mock, "acme_co")
	expectUser(mock, 99, false)
	expectSet(mock, "public")

	_, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "acme_co", 99, 7))
	assert.True(t, errors.Is(err, apperr.ErrUnknownPrincipal))
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_RejectsWithoutSQL(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	expired, err := auth.NewSigner("s3cret", time.Nanosecond)
	require.NoError(t, err)
	stale := token(t, expired, "acme_co", 5, 7)
	time.Sleep(1100 * time.Millisecond)

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", stale, apperr.ErrExpiredToken},
		{"garbage", "not-a-jwt", apperr.ErrInvalidToken},
		{"tenant mismatch", token(t, signer, "acme_co", 5, 8), apperr.ErrInvalidToken},
		{"suspended", token(t, signer, "initech", 5, 9), apperr.ErrTenantInactive},
	}
	for _, tc := range cases {
		_, err := r.ResolveAndBind(context.Background(), l, tc.token)
		assert.True(t, errors.Is(err, tc.want), "%s: %v", tc.name, err)
	}
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_SequenceOnOneLease(t *testing.T) {
	db, mock, signer, r := setup(t)
	l := lease(t, db)

	seq := []struct {
		ns       string
		tenantID int64
	}{{"acme_co", 7}, {"globex", 8}, {"acme_co", 7}}

	for _, s := range seq {
		expectSchema(mock, s.ns, true)
		expectSet(mock, "public")
		expectSet(mock, s.ns)
		expectUser(mock, 5, true)
	}
	for _, s := range seq {
		p, err := r.ResolveAndBind(context.Background(), l, token(t, signer, s.ns, 5, s.tenantID))
		require.NoError(t, err)
		assert.Equal(t, s.ns, p.Namespace)
		assert.Equal(t, s.ns, l.Current())
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

// Tenant B's namespace "acme" equals tenant A's slug. The catalog lookup must match the
// namespace column only, so B's token binds B.
func TestResolveAndBind_NamespaceEqualToAnotherTenantsSlug(t *testing.T) {
	db, mock, signer, _ := setup(t)
	r := New(signer, storage.New(db, "public", zap.NewNop()), time.Second, zap.NewNop())
	l := lease(t, db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "public".tenants WHERE namespace = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "slug", "namespace", "status", "environment", "crm_client_id", "plan_id",
			"business_line_id", "admin_principal_id", "created_at", "updated_at",
		}).AddRow(11, "Acme B", "acme-b", "acme", "active", "production", nil, nil, nil, 5, now, now))
	expectSchema(mock, "acme", true)
	expectSet(mock, "public")
	expectSet(mock, "acme")
	expectUser(mock, 5, true)

	p, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "acme", 5, 11))
	require.NoError(t, err)
	assert.Equal(t, int64(11), p.TenantID)
	assert.Equal(t, "acme", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAndBind_TimeoutAfterBindResetsLease(t *testing.T) {
	db, mock, signer, _ := setup(t)
	r := New(signer, catalog, 50*time.Millisecond, zap.NewNop())
	l := lease(t, db)

	expectSchema(mock, "acme_co", true)
	expectSet(mock, "public")
	expectSet(mock, "acme_co")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`)).
		WithArgs(int64(5)).
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	expectSet(mock, "public")

	_, err := r.ResolveAndBind(context.Background(), l, token(t, signer, "acme_co", 5, 7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrResolveTimeout), err.Error())
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.Equal(t, "public", l.Current())
	require.NoError(t, mock.ExpectationsWereMet())
}

// Token checks run before a connection is leased: on a closed pool a bad token is still
// a 401, not a lease failure.
func TestMiddleware_RejectsBeforeLeasing(t *testing.T) {
	db, mock, signer, r := setup(t)
	mock.ExpectClose()
	require.NoError(t, db.Close())
	h := r.Middleware(namespace.NewManager(db, "public"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, tc := range []struct {
		bearer string
		code   string
	}{
		{"forged", "invalid_token"},
		{token(t, signer, "acme co", 5, 7), "invalid_namespace"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tc.bearer)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"`+tc.code+`"}`, rec.Body.String())
	}
}

func TestMiddleware(t *testing.T) {
	db, mock, signer, r := setup(t)
	mw := r.Middleware(namespace.NewManager(db, "public"))

	var seen *model.TenantPrincipal
	var seenNS string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen, _ = auth.GetPrincipal(req.Context())
		l, ok := namespace.FromContext(req.Context())
		require.True(t, ok)
		seenNS = l.Current()
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing bearer", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"invalid_token"}`, rec.Body.String())
	})

	t.Run("unknown namespace", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, signer, "ghost_co", 5, 7))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unknown_namespace"}`, rec.Body.String())
	})

	t.Run("bound then released", func(t *testing.T) {
		expectSchema(mock, "acme_co", true)
		expectSet(mock, "public")
		expectSet(mock, "acme_co")
		expectUser(mock, 5, true)
		expectSet(mock, "public")

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token(t, signer, "acme_co", 5, 7))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme_co", seenNS)
		require.NotNil(t, seen)
		assert.Equal(t, int64(7), seen.TenantID)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
