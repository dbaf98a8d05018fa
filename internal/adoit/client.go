package adoit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/version"
)

const (
	// DefaultMaxBodySize bounds a single response body.
	DefaultMaxBodySize = 64 << 20

	// DefaultPageSize is the search window used by SearchAll.
	DefaultPageSize = 200

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// Options configures a Client.
type Options struct {
	BaseURL string // scheme://host[/prefix]; "/rest" is appended
	RepoID  string

	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int
	MaxRetries        int // 0 means the default
	DisableRetries    bool
	Backoff           Backoff

	Signer     Signer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the ADOit 2.0 REST API. It implements FetchPort and
// MetamodelPort.
type Client struct {
	base       *url.URL
	repoID     string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     Signer
	maxRetries int
	backoff    Backoff
	logger     *slog.Logger
	userAgent  string
}

var (
	_ FetchPort     = (*Client)(nil)
	_ MetamodelPort = (*Client)(nil)
)

// NewClient validates opts and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, adoerrors.New(adoerrors.ConfigInvalid, "adoit url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/rest/")
	if err != nil {
		return nil, adoerrors.Wrap(adoerrors.ConfigInvalid, "invalid adoit url", err)
	}

	c := &Client{
		base:       base,
		repoID:     NormalizeID(opts.RepoID),
		httpClient: opts.HTTPClient,
		signer:     opts.Signer,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
		userAgent:  version.UserAgent(),
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	switch {
	case opts.DisableRetries:
		c.maxRetries = 0
	case c.maxRetries <= 0:
		c.maxRetries = defaultMaxRetries
	}
	if c.backoff.Base == 0 {
		c.backoff = DefaultBackoff()
	}
	if c.logger == nil {
		c.logger = slogutil.NewDiscardLogger()
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// StatusError is a non-2xx response that was not retried.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// RetryAfter returns the server-requested wait carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// FetchEntity returns the full entity record.
func (c *Client) FetchEntity(ctx context.Context, id string) (*Entity, error) {
	id = NormalizeID(id)
	data, err := c.get(ctx, "2.0/entities/"+id, nil)
	if err != nil {
		return nil, err
	}
	e, err := decodeEntity(data)
	if err != nil {
		return nil, adoerrors.Wrap(adoerrors.TransportError, "malformed entity response", err)
	}
	return e, nil
}

// FetchEntityModifiedAt probes only the DATE_OF_LAST_CHANGE attribute. The
// API has no cheaper endpoint, so the entity is requested and the rest of
// the body discarded.
func (c *Client) FetchEntityModifiedAt(ctx context.Context, id string) (*time.Time, error) {
	id = NormalizeID(id)
	data, err := c.get(ctx, "2.0/entities/"+id, nil)
	if err != nil {
		return nil, err
	}
	var w struct {
		Attributes []wireAttribute `json:"attributes"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, adoerrors.Wrap(adoerrors.TransportError, "malformed entity response", err)
	}
	for _, a := range w.Attributes {
		if a.MetaName == modifiedAtAttr {
			ts, err := parseInstant(a.Value)
			if err != nil {
				return nil, adoerrors.Wrap(adoerrors.TransportError, "malformed entity response", err)
			}
			return ts, nil
		}
	}
	return nil, nil
}

// FetchRelationships returns every relationship touching id, in either direction.
func (c *Client) FetchRelationships(ctx context.Context, id string) ([]Relationship, error) {
	id = NormalizeID(id)
	data, err := c.get(ctx, "2.0/entities/"+id+"/relations", nil)
	if err != nil {
		return nil, err
	}
	rels, err := decodeRelations(data)
	if err != nil {
		return nil, adoerrors.Wrap(adoerrors.TransportError, "malformed relations response", err)
	}
	return rels, nil
}

// Search returns one window [rangeStart, rangeEnd) of hits for filters.
func (c *Client) Search(ctx context.Context, filters []Filter, rangeStart, rangeEnd int) (*SearchPage, error) {
	if c.repoID == "" {
		return nil, adoerrors.New(adoerrors.ConfigInvalid, "repository id is required for search")
	}
	query, err := json.Marshal(struct {
		Filters []Filter `json:"filters"`
	}{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search filters: %w", err)
	}

	q := url.Values{}
	q.Set("query", string(query))
	q.Set("range-start", strconv.Itoa(rangeStart))
	q.Set("range-end", strconv.Itoa(rangeEnd))

	data, err := c.get(ctx, "2.0/repos/"+c.repoID+"/search", q)
	if err != nil {
		return nil, err
	}
	page, err := decodeSearch(data)
	if err != nil {
		return nil, adoerrors.Wrap(adoerrors.TransportError, "malformed search response", err)
	}
	return page, nil
}

// RelationClasses lists relation metaNames from the metamodel.
func (c *Client) RelationClasses(ctx context.Context) ([]MetaName, error) {
	data, err := c.get(ctx, "2.0/metamodel", nil)
	if err != nil {
		return nil, err
	}
	return decodeMetaNames(data, "relations")
}

// Classes lists object classes.
func (c *Client) Classes(ctx context.Context) ([]MetaName, error) {
	data, err := c.get(ctx, "2.0/metamodel/classes", nil)
	if err != nil {
		return nil, err
	}
	return decodeMetaNames(data, "classes")
}

// ClassAttributes lists the attributes of one class.
func (c *Client) ClassAttributes(ctx context.Context, classID string) ([]MetaName, error) {
	data, err := c.get(ctx, "2.0/metamodel/classes/"+NormalizeID(classID), nil)
	if err != nil {
		return nil, err
	}
	return decodeMetaNames(data, "attributes")
}

// get performs a GET and maps the outcome to a typed error.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.doRequest(ctx, path, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodySize))
	if err != nil {
		return nil, adoerrors.Wrap(adoerrors.TransportError, "failed to read response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusToError(path, resp, data)
	}
	return data, nil
}

// doRequest performs a paced GET with retry on network errors and 5xx.
// 4xx responses are returned to the caller unretried.
func (c *Client) doRequest(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Next(attempt - 1)
			select {
			case <-ctx.Done():
				return nil, adoerrors.Wrap(adoerrors.Cancelled, "request cancelled", ctx.Err())
			case <-time.After(delay):
			}
			c.logger.Debug("Retrying request",
				"attempt", attempt+1,
				"path", path,
				"error", lastErr,
			)
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, adoerrors.Wrap(adoerrors.Cancelled, "request cancelled", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.signer != nil {
			if err := c.signer.Sign(req); err != nil {
				return nil, adoerrors.Wrap(adoerrors.AuthFailed, "failed to sign request", err)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, adoerrors.Wrap(adoerrors.Cancelled, "request cancelled", ctx.Err())
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode}
			continue
		}
		return resp, nil
	}

	return nil, adoerrors.Wrap(adoerrors.TransportError,
		fmt.Sprintf("GET %s failed after %d retries", path, c.maxRetries), lastErr)
}

func statusToError(path string, resp *http.Response, body []byte) error {
	se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return adoerrors.Wrap(adoerrors.AuthFailed, "repository rejected credentials", se)
	case resp.StatusCode == http.StatusNotFound:
		return adoerrors.Wrap(adoerrors.NotFound, path+" not found", se)
	case resp.StatusCode == http.StatusTooManyRequests:
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return adoerrors.Wrap(adoerrors.RateLimited, "rate limited", se)
	default:
		return adoerrors.Wrap(adoerrors.TransportError, "unexpected response", se)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
