package adoit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Signer authenticates an outgoing request. Implementations may read the
// request's URL query when computing a token.
type Signer interface {
	Sign(req *http.Request) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(req *http.Request) error

func (f SignerFunc) Sign(req *http.Request) error { return f(req) }

// HeaderSigner sets the identifier, per-request GUID and timestamp headers
// the REST API expects, plus an optional bearer token. Token computation for
// the HMAC scheme is left to a wrapping Signer.
type HeaderSigner struct {
	Identifier  string
	BearerToken string
	Now         func() time.Time
}

func (s HeaderSigner) Sign(req *http.Request) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if s.Identifier != "" {
		req.Header.Set("x-axw-rest-identifier", s.Identifier)
	}
	req.Header.Set("x-axw-rest-guid", uuid.NewString())
	req.Header.Set("x-axw-rest-timestamp", strconv.FormatInt(now().UnixMilli(), 10))
	if s.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.BearerToken)
	}
	return nil
}
