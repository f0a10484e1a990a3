package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"FeedPoster/internal/domain"
	"FeedPoster/internal/ports"
)

const (
	// DefaultHost is the public PDS entryway.
	DefaultHost = "https://bsky.social"

	serviceName    = "bluesky"
	postCollection = "app.bsky.feed.post"
	refreshMargin  = time.Minute
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Options configures the account and transport.
type Options struct {
	Host       string
	Identifier string
	Password   string
	Langs      []string
	HTTPClient *http.Client
}

// Client implements ports.PublishingService over the AT Protocol XRPC API.
type Client struct {
	host       string
	identifier string
	password   string
	langs      []string
	http       *http.Client
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	session *session
}

var _ ports.PublishingService = (*Client)(nil)

type session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`

	accessExpiry time.Time
}

// NewClient builds a client. The session is created lazily on first use.
func NewClient(opts Options, logger *slog.Logger) *Client {
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		host:       host,
		identifier: opts.Identifier,
		password:   opts.Password,
		langs:      opts.Langs,
		http:       hc,
		now:        time.Now,
		logger:     logger,
	}
}

// CreatePost publishes a text post with link facets.
func (c *Client) CreatePost(ctx context.Context, text string) error {
	return c.createRecord(ctx, c.buildPost(text, nil))
}

// CreatePostWithPreview publishes a post carrying an external link card.
func (c *Client) CreatePostWithPreview(ctx context.Context, text string, preview ports.LinkPreview) error {
	external := map[string]any{
		"uri":         preview.URL,
		"title":       preview.Title,
		"description": preview.Description,
	}
	if preview.Thumb != nil && len(preview.Thumb.Raw) > 0 {
		external["thumb"] = json.RawMessage(preview.Thumb.Raw)
	}
	embed := map[string]any{
		"$type":    "app.bsky.embed.external",
		"external": external,
	}
	return c.createRecord(ctx, c.buildPost(text, embed))
}

// UploadMedia stores an image blob and returns the blob reference.
func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType string) (*ports.BlobRef, error) {
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := c.authorized(ctx, "com.atproto.repo.uploadBlob", mimeType, data, &out); err != nil {
		return nil, err
	}
	if len(out.Blob) == 0 {
		return nil, domain.NewServiceError(serviceName, domain.ServiceFatal, 0, errors.New("upload returned no blob"))
	}
	return &ports.BlobRef{Raw: out.Blob, MimeType: mimeType, Size: len(data)}, nil
}

func (c *Client) buildPost(text string, embed map[string]any) map[string]any {
	record := map[string]any{
		"$type":     postCollection,
		"text":      text,
		"createdAt": c.now().UTC().Format(time.RFC3339),
	}
	if len(c.langs) > 0 {
		record["langs"] = c.langs
	}
	if facets := linkFacets(text); len(facets) > 0 {
		record["facets"] = facets
	}
	if embed != nil {
		record["embed"] = embed
	}
	return record
}

// linkFacets marks every URL in text. Offsets are UTF-8 byte positions.
func linkFacets(text string) []map[string]any {
	var facets []map[string]any
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		facets = append(facets, map[string]any{
			"index": map[string]int{"byteStart": loc[0], "byteEnd": loc[1]},
			"features": []map[string]string{{
				"$type": "app.bsky.richtext.facet#link",
				"uri":   text[loc[0]:loc[1]],
			}},
		})
	}
	return facets
}

func (c *Client) createRecord(ctx context.Context, record map[string]any) error {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"repo":       sess.DID,
		"collection": postCollection,
		"record":     record,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return c.authorized(ctx, "com.atproto.repo.createRecord", "application/json", body, nil)
}

// authorized calls a procedure with the access token, refreshing the session
// once when the server reports it expired.
func (c *Client) authorized(ctx context.Context, nsid, contentType string, body []byte, out any) error {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, nsid, sess.AccessJWT, contentType, body, out)
	if !isExpired(err) {
		return err
	}

	c.logger.Debug("bluesky access token expired, refreshing")
	if sess, err = c.refresh(ctx, sess); err != nil {
		return err
	}
	return c.call(ctx, nsid, sess.AccessJWT, contentType, body, out)
}

func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	switch {
	case sess == nil:
		return c.login(ctx)
	case !sess.accessExpiry.IsZero() && c.now().Add(refreshMargin).After(sess.accessExpiry):
		return c.refresh(ctx, sess)
	}
	return sess, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	if c.identifier == "" || c.password == "" {
		return nil, domain.NewServiceError(serviceName, domain.ServiceFatal, 0, errors.New("bluesky credentials are not configured"))
	}
	body, err := json.Marshal(map[string]string{"identifier": c.identifier, "password": c.password})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}
	var sess session
	if err := c.call(ctx, "com.atproto.server.createSession", "", "application/json", body, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return c.store(&sess), nil
}

func (c *Client) refresh(ctx context.Context, old *session) (*session, error) {
	var sess session
	err := c.call(ctx, "com.atproto.server.refreshSession", old.RefreshJWT, "", nil, &sess)
	if err != nil {
		c.logger.Debug("bluesky refresh failed, logging in again", "error", err)
		return c.login(ctx)
	}
	return c.store(&sess), nil
}

func (c *Client) store(sess *session) *session {
	sess.accessExpiry = tokenExpiry(sess.AccessJWT)
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return sess
}

// tokenExpiry reads the exp claim without verifying the signature; the PDS
// remains the authority on validity.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, nsid, token, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/xrpc/"+nsid, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewServiceError(serviceName, domain.ServiceTransient, 0, fmt.Errorf("%s: %w", nsid, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var xerr xrpcError
		_ = json.Unmarshal(raw, &xerr)
		kind := domain.ClassifyHTTPStatus(resp.StatusCode)
		return domain.NewServiceError(serviceName, kind, resp.StatusCode, fmt.Errorf("%s: %s %s", nsid, xerr.Error, xerr.Message))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewServiceError(serviceName, domain.ServiceFatal, resp.StatusCode, fmt.Errorf("decode %s: %w", nsid, err))
	}
	return nil
}

func isExpired(err error) bool {
	var svcErr *domain.ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}
	if svcErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return svcErr.StatusCode == http.StatusBadRequest && strings.Contains(svcErr.Error(), "ExpiredToken")
}
