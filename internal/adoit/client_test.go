package adoit

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

	adoerrors "github.com/hasko/adocheck/internal/errors"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:    srv.URL,
		RepoID:     "{repo-1}",
		MaxRetries: 2,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		Signer:     HeaderSigner{Identifier: "svc-reader"},
	})
	require.NoError(t, err)
	return c
}

func TestClient_FetchEntity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/2.0/entities/e1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "svc-reader", r.Header.Get("x-axw-rest-identifier"))
		assert.NotEmpty(t, r.Header.Get("x-axw-rest-guid"))
		assert.NotEmpty(t, r.Header.Get("x-axw-rest-timestamp"))
		assert.Contains(t, r.Header.Get("User-Agent"), "adocheck/")
		_, _ = w.Write([]byte(`{"id":"{e1}","type":"C_APPLICATION","name":"CRM",
			"attributes":[{"metaName":"DATE_OF_LAST_CHANGE","value":1700000000000}]}`))
	})
	c := newTestClient(t, mux)

	e, err := c.FetchEntity(context.Background(), "{e1}")
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, "CRM", e.Name)
	require.NotNil(t, e.ModifiedAt)

	ts, err := c.FetchEntityModifiedAt(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.True(t, ts.Equal(*e.ModifiedAt))
}

func TestClient_FetchRelationships(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/2.0/entities/e1/relations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"relations":[{"id":"r1","fromId":"e1","toId":"e2","relationType":"RC_SERVING"}]}`))
	})
	c := newTestClient(t, mux)

	rels, err := c.FetchRelationships(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "e2", rels[0].TargetID)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		code   adoerrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, nil, adoerrors.AuthFailed},
		{"forbidden", http.StatusForbidden, nil, adoerrors.AuthFailed},
		{"not found", http.StatusNotFound, nil, adoerrors.NotFound},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, adoerrors.RateLimited},
		{"bad request", http.StatusBadRequest, nil, adoerrors.TransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))

			_, err := c.FetchEntity(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.code, adoerrors.CodeOf(err))
			assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, RetryAfter(err))
			}
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"e1","name":"ok"}`))
	}))

	e, err := c.FetchEntity(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "ok", e.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_PersistentServerErrorIsTransport(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.FetchRelationships(context.Background(), "e1")
	require.Error(t, err)
	assert.True(t, adoerrors.Is(err, adoerrors.TransportError))
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestClient_Search(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/2.0/repos/repo-1/search", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("range-start"))
		assert.Equal(t, "2", r.URL.Query().Get("range-end"))

		var q struct {
			Filters []Filter `json:"filters"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("query")), &q))
		require.Len(t, q.Filters, 2)
		assert.Equal(t, []string{"C_APPLICATION"}, q.Filters[0].ClassName)
		assert.Equal(t, OpEquals, q.Filters[1].Op)

		_, _ = w.Write([]byte(`{"hitsTotal":5,"items":[{"id":"a"},{"id":"b"}]}`))
	}))

	page, err := c.Search(context.Background(),
		[]Filter{ClassFilter("C_APPLICATION"), AttrFilter("A_SPEC", OpEquals, "Bus. App.")}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.HitsTotal)
	assert.Len(t, page.Items, 2)
}

func TestClient_Metamodel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/2.0/metamodel", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"relations":[{"metaName":"RC_SERVING","displayNames":[{"value":"Serving"}]}]}`))
	})
	mux.HandleFunc("/rest/2.0/metamodel/classes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"classes":[{"id":"{c1}","metaName":"C_CAPABILITY"}]}`))
	})
	mux.HandleFunc("/rest/2.0/metamodel/classes/c1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"attributes":[{"metaName":"A_SPEC","displayNames":[{"value":"Specialisation"}]}]}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	rels, err := c.RelationClasses(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "serving", rels[0].Label())

	classes, err := c.Classes(ctx)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, "c1", classes[0].ID)

	attrs, err := c.ClassAttributes(ctx, classes[0].ID)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "A_SPEC", attrs[0].MetaName)
}

func TestClient_ContextCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchEntity(ctx, "e1")
	require.Error(t, err)
	assert.Equal(t, adoerrors.Cancelled, adoerrors.CodeOf(err))
}

func TestNewClient_RetryDefaults(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int
	}{
		{"zero value uses default", Options{}, defaultMaxRetries},
		{"negative uses default", Options{MaxRetries: -1}, defaultMaxRetries},
		{"explicit", Options{MaxRetries: 5}, 5},
		{"disabled", Options{MaxRetries: 5, DisableRetries: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.BaseURL = "https://adoit.example.com"
			c, err := NewClient(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.maxRetries)
		})
	}
}

func TestClient_DisableRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL, DisableRetries: true})
	require.NoError(t, err)

	_, err = c.FetchEntity(context.Background(), "e1")
	assert.True(t, adoerrors.Is(err, adoerrors.TransportError))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.True(t, adoerrors.Is(err, adoerrors.ConfigInvalid))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}
