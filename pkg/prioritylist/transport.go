package prioritylist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const CSRFHeader = "X-CSRFToken"

// Transport submits an order and returns the authoritative priorities the server assigned.
type Transport interface {
	Submit(ctx context.Context, ids []ID) ([]Row, error)
}

// TokenSource returns the current forgery-protection token. It is called on every submission
// because the token may rotate while the list is alive.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken is a TokenSource for a token that never rotates.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// StatusError surfaces non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%s", e.StatusCode, e.Body)
}

var errMissingResults = errors.New("response has no results field")

type HTTPTransport struct {
	postURL *url.URL
	tokens  TokenSource
	client  *http.Client
}

// NewHTTPTransport builds a same-origin JSON transport. A nil client uses a fresh client
// without a cookie jar that refuses redirects to another host.
func NewHTTPTransport(postURL string, tokens TokenSource, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(postURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse post url: %w", err)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if client == nil {
		client = &http.Client{CheckRedirect: sameHostRedirects(u)}
	}
	return &HTTPTransport{postURL: u, tokens: tokens, client: client}, nil
}

func sameHostRedirects(origin *url.URL) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if req.URL.Host != origin.Host {
			return fmt.Errorf("refusing cross-origin redirect to %s", req.URL.Host)
		}
		if len(via) >= 10 {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	}
}

func (t *HTTPTransport) Submit(ctx context.Context, ids []ID) ([]Row, error) {
	token, err := t.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read csrf token: %w", err)
	}
	body, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.postURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CSRFHeader, token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out struct {
		Results *[]Row `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Results == nil {
		return nil, errMissingResults
	}
	return *out.Results, nil
}
