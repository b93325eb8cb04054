// Package xapi talks to a XenServer/XCP-ng pool: XML-RPC session management,
// host enumeration and the authenticated rrd_updates export fetch.
package xapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	apiVersion = "1.0"
	originator = "xenrrd"

	statusSuccess = "Success"
	statusFailure = "Failure"
)

// Config holds the pool master connection settings
type Config struct {
	URL                string        // Pool master URL, e.g. https://xen-master.local
	Username           string        // XAPI user
	Password           string        // XAPI password
	Timeout            time.Duration // Per-request timeout (default: 30s)
	InsecureSkipVerify bool          // Accept self-signed host certificates
}

// Client is an XML-RPC client bound to one pool master. It logs in lazily and
// keeps the session until Close.
type Client struct {
	config   Config
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	mu      sync.Mutex
	session string
}

// NewClient creates a new XAPI client
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("xapi: pool master URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("xapi: invalid pool master URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("xapi: unsupported URL scheme %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		config:   cfg,
		endpoint: u.String(),
		client:   newHTTPClient(cfg.Timeout, cfg.InsecureSkipVerify),
		logger:   logger.With().Str("component", "xapi-client").Str("master", u.Host).Logger(),
	}, nil
}

func newHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 8
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Login opens a session if none is cached.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.loginLocked(ctx)
	return err
}

func (c *Client) loginLocked(ctx context.Context) (string, error) {
	if c.session != "" {
		return c.session, nil
	}

	result, err := c.call(ctx, "session.login_with_password",
		c.config.Username, c.config.Password, apiVersion, originator)
	if err != nil {
		if IsAuthFailure(err) {
			return "", &TransportError{Host: c.endpoint, Op: "login", Auth: true, Err: err}
		}
		return "", err
	}
	ref, ok := result.(string)
	if !ok || ref == "" {
		return "", fmt.Errorf("xapi: login returned %T, expected session reference", result)
	}

	c.session = ref
	c.logger.Debug().Msg("XAPI session opened")
	return ref, nil
}

// Hosts enumerates the pool's enabled hosts, sorted by name. An expired
// session is renewed once.
func (c *Client) Hosts(ctx context.Context) ([]Host, error) {
	result, err := c.callWithSession(ctx, "host.get_all_records")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate hosts: %w", err)
	}

	records, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("xapi: host.get_all_records returned %T", result)
	}

	hosts := make([]Host, 0, len(records))
	for ref, raw := range records {
		rec, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		h := hostFromRecord(ref, rec)
		if !h.Enabled {
			c.logger.Debug().Str("host", h.String()).Msg("Skipping disabled host")
			continue
		}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Name != hosts[j].Name {
			return hosts[i].Name < hosts[j].Name
		}
		return hosts[i].Ref < hosts[j].Ref
	})
	return hosts, nil
}

// callWithSession prepends the session reference to params and retries once
// with a fresh session when XAPI reports SESSION_INVALID.
func (c *Client) callWithSession(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		session, err := c.loginLocked(ctx)
		if err != nil {
			return nil, err
		}
		result, err := c.call(ctx, method, append([]interface{}{session}, params...)...)
		if err != nil && IsSessionInvalid(err) && attempt == 0 {
			c.logger.Info().Str("method", method).Msg("XAPI session expired, logging in again")
			c.session = ""
			continue
		}
		return result, err
	}
}

// Logout closes the cached session, if any.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == "" {
		return nil
	}
	session := c.session
	c.session = ""
	if _, err := c.call(ctx, "session.logout", session); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	c.logger.Debug().Msg("XAPI session closed")
	return nil
}

// Close logs out with a bounded timeout.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Logout(ctx)
	c.client.CloseIdleConnections()
	return err
}

// call performs one XML-RPC round trip and unwraps the XAPI status envelope:
// {Status: "Success", Value: ...} or {Status: "Failure", ErrorDescription: [...]}.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	body, err := encodeMethodCall(method, params...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("xapi: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Host: c.endpoint, Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			Host:       c.endpoint,
			Op:         method,
			StatusCode: resp.StatusCode,
			Auth:       resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden,
		}
	}

	decoded, err := decodeMethodResponse(resp.Body)
	if err != nil {
		return nil, &TransportError{Host: c.endpoint, Op: method, Err: err}
	}
	return unwrapStatus(decoded)
}

func unwrapStatus(decoded interface{}) (interface{}, error) {
	envelope, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("xapi: response is %T, expected status struct", decoded)
	}

	switch envelope["Status"] {
	case statusSuccess:
		return envelope["Value"], nil
	case statusFailure:
		apiErr := &APIError{Code: "UNKNOWN"}
		if desc, ok := envelope["ErrorDescription"].([]interface{}); ok && len(desc) > 0 {
			apiErr.Code = fmt.Sprint(desc[0])
			for _, p := range desc[1:] {
				apiErr.Params = append(apiErr.Params, fmt.Sprint(p))
			}
		}
		return nil, apiErr
	default:
		return nil, fmt.Errorf("xapi: unexpected response status %v", envelope["Status"])
	}
}
