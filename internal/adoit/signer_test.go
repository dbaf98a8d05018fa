package adoit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSigner(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	s := HeaderSigner{Identifier: "svc", BearerToken: "tok", Now: func() time.Time { return fixed }}

	req := httptest.NewRequest(http.MethodGet, "/rest/2.0/metamodel", nil)
	require.NoError(t, s.Sign(req))

	assert.Equal(t, "svc", req.Header.Get("x-axw-rest-identifier"))
	assert.Equal(t, "1700000000123", req.Header.Get("x-axw-rest-timestamp"))
	assert.Len(t, req.Header.Get("x-axw-rest-guid"), 36)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	first := req.Header.Get("x-axw-rest-guid")
	require.NoError(t, s.Sign(req))
	assert.NotEqual(t, first, req.Header.Get("x-axw-rest-guid"))
}

func TestSignerFunc(t *testing.T) {
	want := errors.New("no key")
	s := SignerFunc(func(*http.Request) error { return want })
	assert.ErrorIs(t, s.Sign(httptest.NewRequest(http.MethodGet, "/", nil)), want)
}
