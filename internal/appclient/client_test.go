package appclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-tenancy/internal/model"
)

func TestMigrate_PostsPayload(t *testing.T) {
	var body model.MigratePayload
	var path, secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		secret = r.Header.Get(SecretHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(time.Second, 0, zap.NewNop())
	app := &model.Application{ID: 3, Name: "crm", BaseURL: srv.URL + "/", MigrateEndpoint: "/api/migrate", Secret: "shh"}
	err := c.Migrate(context.Background(), app, model.MigratePayload{TenantSchema: "acme_co", TenantID: 7, ApplicationID: 3})
	require.NoError(t, err)

	assert.Equal(t, "/api/migrate", path)
	assert.Equal(t, "shh", secret)
	assert.Equal(t, model.MigratePayload{TenantSchema: "acme_co", TenantID: 7, ApplicationID: 3}, body)
}

func TestMigrate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, 2, zap.NewNop())
	err := c.Migrate(context.Background(), &model.Application{Name: "crm", BaseURL: srv.URL, MigrateEndpoint: "migrate"}, model.MigratePayload{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMigrate_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second, 0, zap.NewNop())
	err := c.Migrate(context.Background(), &model.Application{Name: "crm", BaseURL: srv.URL, MigrateEndpoint: "migrate"}, model.MigratePayload{})
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestMigrate_NoBaseURL(t *testing.T) {
	c := New(time.Second, 0, zap.NewNop())
	assert.Error(t, c.Migrate(context.Background(), &model.Application{ID: 1}, model.MigratePayload{}))
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "http://crm:8000/migrate", CallbackURL(&model.Application{BaseURL: "http://crm:8000", MigrateEndpoint: "migrate"}))
	assert.Equal(t, "http://crm:8000/migrate", CallbackURL(&model.Application{BaseURL: "http://crm:8000/", MigrateEndpoint: "/migrate"}))
}
