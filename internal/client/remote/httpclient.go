package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// HTTPClient implements Store against the sync server's REST surface.
//
// The bearer token is issued by the authentication layer (out of scope
// here); the client only inspects its expiry to answer IsAuthenticated —
// signature verification happens server-side.
type HTTPClient struct {
	baseURL string
	hc      *http.Client

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

// SetToken installs the session token. An empty token signs the client out.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// IsAuthenticated reports whether the client holds a non-expired token.
func (c *HTTPClient) IsAuthenticated() bool {
	token := c.currentToken()
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.After(time.Now())
}

type uploadResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) Upload(ctx context.Context, req *UploadRequest) (string, error) {
	var out uploadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/chats", req, &out); err != nil {
		return "", err
	}
	if out.ID != "" && out.ID != req.ID {
		return out.ID, nil
	}
	return "", nil
}

func (c *HTTPClient) GetSyncStatus(ctx context.Context, scopeID string) (*models.SyncStatusSnapshot, error) {
	path := "/v1/chats/status"
	if scopeID != "" {
		path += "?scope=" + url.QueryEscape(scopeID)
	}

	var out models.SyncStatusSnapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		if err == errNoContent {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/chats/"+url.PathEscape(id), nil, nil)
	if err == errNoContent {
		// already gone
		return nil
	}
	return err
}

// errNoContent is internal to do(): the server answered 404 for a scope that
// simply has no data yet.
var errNoContent = fmt.Errorf("no remote content")

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", common.ErrNotAuthenticated, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return errNoContent
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s", common.ErrRemoteUnavailable, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: bad response: %v", common.ErrRemoteUnavailable, err)
	}
	return nil
}
