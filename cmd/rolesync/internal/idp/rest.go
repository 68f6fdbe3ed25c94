package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
)

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL      string
	Realm        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// RESTClient talks to a Keycloak-style admin REST API using a service account
// obtained with the OAuth2 client credentials grant.
type RESTClient struct {
	http    *http.Client
	baseURL string
	realm   string
	logger  *slog.Logger
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient builds a client. Tokens are fetched lazily and refreshed by
// the oauth2 transport.
func NewRESTClient(cfg RESTConfig, logger *slog.Logger) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger = logging.OrDiscard(logger)

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	// The base client bounds token requests; the returned client bounds API calls.
	base := &http.Client{Timeout: cfg.Timeout}
	httpClient := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	httpClient.Timeout = cfg.Timeout

	return &RESTClient{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		realm:   cfg.Realm,
		logger:  logger,
	}
}

func (c *RESTClient) usersURL() string {
	return fmt.Sprintf("%s/admin/realms/%s/users", c.baseURL, url.PathEscape(c.realm))
}

func (c *RESTClient) userURL(userID string) string {
	return c.usersURL() + "/" + url.PathEscape(userID)
}

// getUser fetches and decodes one user. It returns (nil, nil) for 404.
func (c *RESTClient) getUser(ctx context.Context, userID string) (*User, map[string]any, error) {
	var raw map[string]any
	status, err := c.do(ctx, http.MethodGet, c.userURL(userID), nil, &raw)
	if err != nil {
		return nil, nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil, nil
	}
	user, err := decodeUser(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return user, raw, nil
}

// decodeUser maps the JSON representation onto User. Attributes may arrive
// as a list or, from some providers, as a single string.
func decodeUser(raw map[string]any) (*User, error) {
	var u User
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &u,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *RESTClient) GetUserAttribute(ctx context.Context, userID, attr string) (string, error) {
	user, _, err := c.getUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", nil
	}
	return user.Attribute(attr), nil
}

// SetUserAttribute reads the user representation, replaces attr and writes
// the whole representation back, which is what the admin API expects.
func (c *RESTClient) SetUserAttribute(ctx context.Context, userID, attr, value string) error {
	user, raw, err := c.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("set attribute %s on %s: %w", attr, userID, ErrUserNotFound)
	}

	attrs := make(map[string][]string, len(user.Attributes)+1)
	for k, v := range user.Attributes {
		attrs[k] = v
	}
	if value == "" {
		delete(attrs, attr)
	} else {
		attrs[attr] = []string{value}
	}
	raw["attributes"] = attrs

	status, err := c.do(ctx, http.MethodPut, c.userURL(userID), raw, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("set attribute %s on %s: %w", attr, userID, ErrUserNotFound)
	}
	c.logger.Debug("idp attribute updated", "user_id", userID, "attribute", attr)
	return nil
}

// ListUsers pages with first/max offsets; the page token is the next offset.
func (c *RESTClient) ListUsers(ctx context.Context, pageSize int, pageToken string) (*Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	first := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		first = n
	}

	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	q.Set("max", strconv.Itoa(pageSize))
	q.Set("briefRepresentation", "true")

	var raw []map[string]any
	if _, err := c.do(ctx, http.MethodGet, c.usersURL()+"?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}

	page := &Page{UserIDs: make([]string, 0, len(raw))}
	for _, r := range raw {
		u, err := decodeUser(r)
		if err != nil {
			return nil, fmt.Errorf("decode user list: %w", err)
		}
		if u.ID != "" {
			page.UserIDs = append(page.UserIDs, u.ID)
		}
	}
	if len(raw) == pageSize {
		page.NextPageToken = strconv.Itoa(first + pageSize)
	}
	return page, nil
}

// do performs a JSON request. 404 is returned as a status, not an error.
func (c *RESTClient) do(ctx context.Context, method, target string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("idp %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("idp %s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode idp response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
