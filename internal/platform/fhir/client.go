package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors surfaced from store interactions.
var (
	// ErrNotFound is returned when the store answers 404 or 410.
	ErrNotFound = errors.New("fhir: resource not found")

	// ErrPreconditionFailed is returned on ETag conflicts (409/412).
	ErrPreconditionFailed = errors.New("fhir: precondition failed")
)

// TokenSource supplies a bearer token for store requests. Token is
// called per request; implementations cache and refresh internally.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is a thin REST client for the FHIR store. The store is opaque:
// the pipeline relies only on GET-with-ETag, conditional PUT, transaction
// POST, Parameters PATCH, and search.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a Client for the store at baseURL (e.g.
// "http://store:8080/fhir"). tokens may be nil for unauthenticated
// stores.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
	}
}

// Get fetches one resource and its ETag.
func (c *Client) Get(ctx context.Context, resourceType, id string) (Resource, string, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id), nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, "", err
	}

	var res Resource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, "", fmt.Errorf("fhir: decode %s/%s: %w", resourceType, id, err)
	}
	return res, resp.Header.Get("ETag"), nil
}

// Put writes one resource by its own Type/id. A non-empty etag is sent
// as If-Match; createOnly sends If-None-Match: *.
func (c *Client) Put(ctx context.Context, res Resource, etag string, createOnly bool) (string, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("fhir: marshal %s: %w", RelativeRef(res), err)
	}

	headers := map[string]string{"Content-Type": "application/fhir+json"}
	if etag != "" {
		headers["If-Match"] = etag
	}
	if createOnly {
		headers["If-None-Match"] = "*"
	}

	resp, err := c.do(ctx, http.MethodPut, c.baseURL+"/"+RelativeRef(res), bytes.NewReader(body), headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("ETag"), nil
}

// Transaction posts a transaction Bundle to the store root. The store
// guarantees all-or-nothing semantics across entries.
func (c *Client) Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("fhir: marshal transaction: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body),
		map[string]string{"Content-Type": "application/fhir+json"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out Bundle
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fhir: decode transaction response: %w", err)
	}
	return &out, nil
}

// Patch applies a Parameters-encoded patch to one resource.
func (c *Client) Patch(ctx context.Context, resourceType, id string, params Resource) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("fhir: marshal patch parameters: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id),
		bytes.NewReader(body), map[string]string{"Content-Type": "application/fhir+json"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Search runs a type-level search and returns the searchset bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	u := c.baseURL + "/" + resourceType
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("fhir: decode searchset: %w", err)
	}
	return &bundle, nil
}

// SearchOne returns the single oldest match of a search, sorted by
// _lastUpdated ascending, or nil when nothing matches.
func (c *Client) SearchOne(ctx context.Context, resourceType string, params url.Values) (Resource, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("_sort", "_lastUpdated")
	q.Set("_count", "1")

	bundle, err := c.Search(ctx, resourceType, q)
	if err != nil {
		return nil, err
	}
	resources := bundle.Resources()
	if len(resources) == 0 {
		return nil, nil
	}
	return resources[0], nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("fhir: build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fhir: obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: %s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

// checkStatus maps HTTP status codes onto the client's error taxonomy.
// The response body is drained on error so the connection can be reused.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL.Path)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrPreconditionFailed, resp.Request.URL.Path)
	default:
		return fmt.Errorf("fhir: %s %s: status %d: %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
