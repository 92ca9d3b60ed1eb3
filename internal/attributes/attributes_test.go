package attributes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/segmentation"
)

var (
	_ segmentation.AttributeSource = (*PostgresSource)(nil)
	_ segmentation.AttributeSource = (*HTTPSource)(nil)
)

func TestPostgresSource_Snapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, COALESCE\\(phone, ''\\)").
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone", "attributes"}).
			AddRow("r1", "+15551234567", []byte(`{"tier":"trial","usage_count":7,"whatsapp_opt_in":true}`)).
			AddRow("r2", "", []byte(`{}`)))

	got, err := NewPostgresSource(db).Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trial", got[0].Attributes["tier"])
	assert.Equal(t, 7.0, got[0].Attributes["usage_count"])
	assert.True(t, got[1].Missing())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_BadJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "phone", "attributes"}).AddRow("r1", "+1", []byte(`{`)))

	_, err = NewPostgresSource(db).Snapshot(context.Background())
	assert.ErrorContains(t, err, "decode attributes for r1")
}

func TestHTTPSource_Paginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		page := recipientPage{}
		switch r.URL.Query().Get("cursor") {
		case "":
			page.Recipients = append(page.Recipients, rec("a"), rec("b"))
			page.NextCursor = "p2"
		case "p2":
			page.Recipients = append(page.Recipients, rec("c"))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	src := NewHTTPSourceWithDoer(config.AttributesConfig{BaseURL: server.URL, Token: "tok", PageSize: 2, MaxPages: 5}, server.Client())
	got, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, json.Number("3"), got[0].Attributes["usage_count"])
}

func TestHTTPSource_Errors(t *testing.T) {
	endless := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(recipientPage{Recipients: nil, NextCursor: "again"})
	}))
	defer endless.Close()

	_, err := NewHTTPSourceWithDoer(config.AttributesConfig{BaseURL: endless.URL, MaxPages: 3}, endless.Client()).Snapshot(context.Background())
	assert.ErrorContains(t, err, "exceeded 3 pages")

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer failing.Close()

	_, err = NewHTTPSourceWithDoer(config.AttributesConfig{BaseURL: failing.URL}, failing.Client()).Snapshot(context.Background())
	assert.ErrorContains(t, err, "status 403")
}

func rec(id string) domain.Recipient {
	return domain.Recipient{ID: id, Phone: "+1555000" + id, Attributes: domain.Attributes{"usage_count": 3}}
}
