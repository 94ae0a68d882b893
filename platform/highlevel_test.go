package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighLevelFetchContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts/c-1", r.URL.Path)
		assert.Equal(t, "loc-1", r.URL.Query().Get("locationId"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"contact": map[string]any{
				"id":        "c-1",
				"email":     "ada@example.com",
				"updatedAt": "2026-08-30T10:00:00Z",
			},
		})
	}))
	defer srv.Close()

	client := NewHighLevelClient(Config{APIBase: srv.URL})

	obj, err := client.FetchContact(context.Background(), "tok-1", "loc-1", "c-1")
	require.NoError(t, err)
	require.NotNil(t, obj)

	assert.Equal(t, "c-1", obj.ExternalID)
	assert.Equal(t, "ada@example.com", obj.Attributes["email"])

	require.NotNil(t, obj.UpdatedAt)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), obj.UpdatedAt.UTC())
}

func TestHighLevelFetchContactGone(t *testing.T) {
	t.Run("status 404", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewHighLevelClient(Config{APIBase: srv.URL})

		_, err := client.FetchContact(context.Background(), "tok-1", "loc-1", "missing")
		assert.ErrorIs(t, err, ErrObjectGone)
	})

	t.Run("null envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"contact": null}`))
		}))
		defer srv.Close()

		client := NewHighLevelClient(Config{APIBase: srv.URL})

		_, err := client.FetchContact(context.Background(), "tok-1", "loc-1", "deleted")
		assert.ErrorIs(t, err, ErrObjectGone)
	})
}

func TestHighLevelFetchOpportunity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/opportunities/o-9", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"opportunity": map[string]any{"id": "o-9", "name": "Roof repair"},
		})
	}))
	defer srv.Close()

	client := NewHighLevelClient(Config{APIBase: srv.URL})

	obj, err := client.FetchOpportunity(context.Background(), "tok-1", "loc-1", "o-9")
	require.NoError(t, err)

	assert.Equal(t, "o-9", obj.ExternalID)
	assert.Nil(t, obj.UpdatedAt)
}

func TestHighLevelListContactsPaginates(t *testing.T) {
	var requests []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)

		assert.Equal(t, "/contacts/", r.URL.Path)
		assert.Equal(t, "loc-1", r.URL.Query().Get("locationId"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		if r.URL.Query().Get("startAfterId") == "" {
			page := make([]map[string]any, 0, 100)
			for i := 0; i < 100; i++ {
				page = append(page, map[string]any{"id": fmt.Sprintf("c-%03d", i)})
			}

			_ = json.NewEncoder(w).Encode(map[string]any{
				"contacts": page,
				"meta":     map[string]any{"startAfterId": "c-099"},
			})

			return
		}

		assert.Equal(t, "c-099", r.URL.Query().Get("startAfterId"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"contacts": []map[string]any{{"id": "c-100"}, {"id": "c-101"}},
			"meta":     map[string]any{"startAfterId": "c-101"},
		})
	}))
	defer srv.Close()

	client := NewHighLevelClient(Config{APIBase: srv.URL})

	objects, err := client.ListContacts(context.Background(), "tok-1", "loc-1")
	require.NoError(t, err)

	require.Len(t, requests, 2)
	require.Len(t, objects, 102)
	assert.Equal(t, "c-000", objects[0].ExternalID)
	assert.Equal(t, "c-101", objects[101].ExternalID)
}

func TestHighLevelListStopsWithoutCursor(t *testing.T) {
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		page := make([]map[string]any, 0, 100)
		for i := 0; i < 100; i++ {
			page = append(page, map[string]any{"id": fmt.Sprintf("o-%03d", i)})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"opportunities": page,
			"meta":          map[string]any{},
		})
	}))
	defer srv.Close()

	client := NewHighLevelClient(Config{APIBase: srv.URL})

	objects, err := client.ListOpportunities(context.Background(), "tok-1", "loc-1")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Len(t, objects, 100)
}

func TestHighLevelServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream exploded"}`))
	}))
	defer srv.Close()

	client := NewHighLevelClient(Config{APIBase: srv.URL})

	_, err := client.FetchContact(context.Background(), "tok-1", "loc-1", "c-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}
