// Package forge talks to the source forge (GitHub) as an App: it mints
// short-lived installation tokens, builds authenticated clone URLs and posts
// issue comments. All credentials stay inside this package or inside URLs
// that callers must treat as secrets.
package forge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Client is the forge capability surface the executor and ingress depend on.
type Client interface {
	// InstallationToken returns a short-lived token scoped to the
	// installation. The result is cached per installation id.
	InstallationToken(ctx context.Context, installationID int64) (string, error)

	// CloneURL returns an HTTPS URL with the installation token embedded.
	// The URL is a secret and must only be handed to git.
	CloneURL(ctx context.Context, owner, repo string, installationID int64) (string, error)

	// CreateComment posts a new issue comment and returns its identifier.
	CreateComment(ctx context.Context, installationID int64, owner, repo string, issueNumber int, body string) (int64, error)

	// UpdateComment edits an existing comment.
	UpdateComment(ctx context.Context, installationID int64, owner, repo string, commentID int64, body string) error

	// CommitInfo fetches author and subject of a commit.
	CommitInfo(ctx context.Context, installationID int64, owner, repo, sha string) (*CommitInfo, error)
}

// CommitInfo describes a single commit as reported by the forge.
type CommitInfo struct {
	SHA     string
	Subject string
	Author  string
}

// tokenLifetime is how long a cached installation token is considered usable.
// GitHub issues them for 60 minutes; caching for 50 leaves a wide margin.
const tokenLifetime = 50 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// AppClient implements Client against the GitHub REST API.
type AppClient struct {
	appID      string
	privateKey *rsa.PrivateKey

	baseURL    string
	httpClient *http.Client
	retry      RetryConfig

	log *logrus.Entry

	tokenMu sync.Mutex
	tokens  map[int64]cachedToken

	// Per-comment locks so edits to the same comment are serialized.
	commentLocks sync.Map

	now func() time.Time
}

// NewAppClient creates a forge client from the App id and its PEM-encoded
// RS256 signing key.
func NewAppClient(appID string, privateKeyPEM []byte, log *logrus.Logger) (*AppClient, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse forge private key: %w", err)
	}
	return &AppClient{
		appID:      appID,
		privateKey: key,
		baseURL:    "https://api.github.com",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      defaultRetryConfig(),
		log:        log.WithField("component", "forge"),
		tokens:     make(map[int64]cachedToken),
		now:        time.Now,
	}, nil
}

// appJWT produces the short-lived signed self-assertion used to mint
// installation tokens. Issued-at is backdated to absorb clock drift.
func (c *AppClient) appJWT() (string, error) {
	now := c.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": c.appID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

func (c *AppClient) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.tokenMu.Lock()
	if cached, ok := c.tokens[installationID]; ok && c.now().Before(cached.expiresAt) {
		c.tokenMu.Unlock()
		return cached.token, nil
	}
	c.tokenMu.Unlock()

	appJWT, err := c.appJWT()
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	err = c.doJSON(ctx, request{
		method:     http.MethodPost,
		path:       fmt.Sprintf("/app/installations/%d/access_tokens", installationID),
		bearer:     appJWT,
		idempotent: true,
		expected:   http.StatusCreated,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("mint installation token for %d: %w", installationID, err)
	}

	c.tokenMu.Lock()
	c.tokens[installationID] = cachedToken{token: resp.Token, expiresAt: c.now().Add(tokenLifetime)}
	c.tokenMu.Unlock()

	c.log.WithField("installation-id", installationID).Debug("Minted fresh installation token")
	return resp.Token, nil
}

func (c *AppClient) CloneURL(ctx context.Context, owner, repo string, installationID int64) (string, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo), nil
}

func (c *AppClient) CreateComment(ctx context.Context, installationID int64, owner, repo string, issueNumber int, body string) (int64, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return 0, fmt.Errorf("marshal comment: %w", err)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	// Creation is not idempotent: a retry after an HTTP-level failure could
	// post twice, so only transport errors are retried.
	err = c.doJSON(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, issueNumber),
		token:    token,
		body:     payload,
		expected: http.StatusCreated,
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("create comment on %s/%s#%d: %w", owner, repo, issueNumber, err)
	}
	return resp.ID, nil
}

func (c *AppClient) UpdateComment(ctx context.Context, installationID int64, owner, repo string, commentID int64, body string) error {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}

	lock, _ := c.commentLocks.LoadOrStore(commentID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}

	err = c.doJSON(ctx, request{
		method:     http.MethodPatch,
		path:       fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID),
		token:      token,
		body:       payload,
		idempotent: true,
		expected:   http.StatusOK,
	}, nil)
	if err != nil {
		return fmt.Errorf("update comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return nil
}

func (c *AppClient) CommitInfo(ctx context.Context, installationID int64, owner, repo, sha string) (*CommitInfo, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"commit"`
	}
	err = c.doJSON(ctx, request{
		method:     http.MethodGet,
		path:       fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha),
		token:      token,
		idempotent: true,
		expected:   http.StatusOK,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch commit %s of %s/%s: %w", sha, owner, repo, err)
	}

	subject := resp.Commit.Message
	if i := bytes.IndexByte([]byte(subject), '\n'); i >= 0 {
		subject = subject[:i]
	}
	return &CommitInfo{
		SHA:     resp.SHA,
		Subject: subject,
		Author:  fmt.Sprintf("%s <%s>", resp.Commit.Author.Name, resp.Commit.Author.Email),
	}, nil
}

type request struct {
	method     string
	path       string
	bearer     string // app JWT auth
	token      string // installation token auth
	body       []byte
	idempotent bool
	expected   int
}

// HTTPError is a non-2xx forge response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("forge returned status %d: %s", e.StatusCode, e.Body)
}

// doJSON performs one forge call with retries. Idempotent requests are
// retried on transport errors and 5xx responses; non-idempotent ones only on
// transport errors, where the request provably never reached the forge's
// application layer.
func (c *AppClient) doJSON(ctx context.Context, req request, out any) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = c.doOnce(ctx, req, out)
		if lastErr == nil {
			return nil
		}

		var httpErr *HTTPError
		isHTTP := errors.As(lastErr, &httpErr)
		retryable := (!isHTTP) || (req.idempotent && httpErr.StatusCode >= 500)
		if !retryable {
			return lastErr
		}

		wait, ok := c.retry.next(attempt)
		if !ok {
			return lastErr
		}
		c.log.WithField("path", req.path).Debugf("Forge call failed (attempt %d), retrying in %v - %v", attempt, wait, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *AppClient) doOnce(ctx context.Context, req request, out any) error {
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	} else {
		httpReq.Header.Set("Authorization", "token "+req.token)
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("forge request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read forge response: %w", err)
	}
	if resp.StatusCode != req.expected {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode forge response: %w", err)
		}
	}
	return nil
}
