package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

var (
	// ErrNotAuthorized is returned when a resource call is made while no
	// access token is available (the user is locked or unregistered)
	ErrNotAuthorized = errors.New("webapi: no access token available")

	// ErrNoPages is returned when a requested page is beyond the last one
	ErrNoPages = errors.New("webapi: no more pages")
)

// TokenSupplier hands out the current access token. The Locker implements it
type TokenSupplier interface {
	AccessToken() (string, bool)
}

// Authorizer is a RoundTripper that attaches the bearer token of Tokens
type Authorizer struct {
	Tokens TokenSupplier

	// Base defaults to http.DefaultTransport
	Base http.RoundTripper
}

func (a *Authorizer) RoundTrip(req *http.Request) (*http.Response, error) {
	token, ok := a.Tokens.AccessToken()
	if !ok {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, ErrNotAuthorized
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)

	base := a.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// NewResourceClient returns an HTTP client that authorizes every request
// with the token supplied by tokens
func NewResourceClient(tokens TokenSupplier, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Authorizer{Tokens: tokens, Base: base}}
}

// Page is one page of a collection resource
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// Get fetches and decodes a single resource
func Get[T any](ctx context.Context, hc *http.Client, resourceURL string) (T, error) {
	var out T
	err := getJSON(ctx, hc, resourceURL, &out)
	return out, err
}

// GetPage fetches page n (1-based) of a collection
func GetPage[T any](ctx context.Context, hc *http.Client, collectionURL string, n int) (*Page[T], error) {
	u, err := url.Parse(collectionURL)
	if err != nil {
		return nil, fmt.Errorf("invalid collection url: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	var p Page[T]
	if err := getJSON(ctx, hc, u.String(), &p); err != nil {
		return nil, err
	}
	if n > p.Pages {
		return nil, ErrNoPages
	}
	return &p, nil
}

// List fetches every page of a collection
func List[T any](ctx context.Context, hc *http.Client, collectionURL string) ([]T, error) {
	var items []T
	for n := 1; ; n++ {
		p, err := GetPage[T](ctx, hc, collectionURL, n)
		if errors.Is(err, ErrNoPages) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, p.Items...)
	}
}

func getJSON(ctx context.Context, hc *http.Client, resourceURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, ErrNotAuthorized) {
			return ErrNotAuthorized
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
