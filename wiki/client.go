// Package wiki reads from the source wiki: it selects the pages to transfer
// and provides their content, files, parser output and revision data.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/apiclient"
	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/infra"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/target"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/title"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
)

// Cache TTLs for the different kinds of source data
const (
	namespacesTTL = 60 * time.Minute
	revisionTTL   = 2 * time.Minute
)

// Client handles communication with the source wiki's API
type Client struct {
	config *Config
	api    *apiclient.Client
	auth   target.Authenticator
	logger *slog.Logger

	revisions *infra.Cache[time.Time]
	inflight  *infra.Deduplicator[map[string]any]

	mu         sync.Mutex
	namespaces *title.Namespaces
	nsExpiry   time.Time
}

// Option configures the Client
type Option func(*Client)

// WithAPI replaces the transport, e.g. to share a custom HTTP client
func WithAPI(api *apiclient.Client) Option {
	return func(c *Client) {
		c.api = api
	}
}

// NewClient creates a client for the source wiki. Credentials are optional;
// without them requests are sent anonymously.
func NewClient(config *Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config:    config,
		logger:    logger.With("wiki", "source"),
		revisions: infra.NewCache[time.Time](10000),
		inflight:  infra.NewDeduplicator[map[string]any](),
	}
	switch {
	case config.AccessToken != "":
		c.auth = target.NewStaticToken(config.AccessToken)
	case config.HasCredentials():
		c.auth = target.NewBotPassword(config.BaseURL, &target.Credential{
			User:     config.Username,
			Password: config.Password,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.api == nil {
		c.api = apiclient.New(config.Endpoint(), apiclient.WithLogger(logger))
	}
	return c
}

// Close releases background resources
func (c *Client) Close() {
	c.revisions.Close()
}

// EnsureLoggedIn logs in when credentials are configured
func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	if c.auth == nil || c.auth.IsAuthenticated() {
		return nil
	}
	if err := c.auth.Authenticate(ctx, c.api); err != nil {
		return fmt.Errorf("source login failed: %w", err)
	}
	c.logger.Info("Successfully logged in to source wiki", "user", c.config.Username)
	return nil
}

func (c *Client) decorate() apiclient.Decorator {
	if c.auth == nil {
		return nil
	}
	return c.auth.Decorate
}

// apiRequest makes a read request to the source wiki. Identical concurrent
// reads share one round trip.
func (c *Client) apiRequest(ctx context.Context, params url.Values) (map[string]any, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}
	data, _, err := c.inflight.Do(ctx, params.Encode(), func() (map[string]any, error) {
		resp, err := c.api.Post(ctx, params, c.decorate())
		if err != nil {
			return nil, err
		}
		return resp.Data(), nil
	})
	return data, err
}

// Namespaces returns the namespace table of the source wiki
func (c *Client) Namespaces(ctx context.Context) (*title.Namespaces, error) {
	c.mu.Lock()
	if c.namespaces != nil && time.Now().Before(c.nsExpiry) {
		ns := c.namespaces
		c.mu.Unlock()
		metrics.RecordCacheAccess(true)
		return ns, nil
	}
	c.mu.Unlock()
	metrics.RecordCacheAccess(false)

	resp, err := c.apiRequest(ctx, url.Values{
		"action": {"query"},
		"meta":   {"siteinfo"},
		"siprop": {"namespaces|namespacealiases"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read namespaces: %w", err)
	}

	query := getMap(resp["query"])
	if query == nil {
		return nil, fmt.Errorf("unexpected response format: missing query")
	}

	var list []title.Namespace
	for _, raw := range getMap(query["namespaces"]) {
		ns := getMap(raw)
		if ns == nil {
			continue
		}
		_, content := ns["content"]
		list = append(list, title.Namespace{
			ID:        getInt(ns["id"]),
			Name:      getString(ns["*"]),
			Canonical: getString(ns["canonical"]),
			Content:   content,
		})
	}
	aliases := make(map[string]int)
	for _, raw := range getSlice(query["namespacealiases"]) {
		alias := getMap(raw)
		if alias == nil {
			continue
		}
		aliases[getString(alias["*"])] = getInt(alias["id"])
	}

	table := title.NewNamespaces(list, aliases)
	c.mu.Lock()
	c.namespaces = table
	c.nsExpiry = time.Now().Add(namespacesTTL)
	c.mu.Unlock()
	return table, nil
}

// isMissingTitle reports whether err is the API's answer for a page that does not exist
func isMissingTitle(err error) bool {
	var apiErr *apiclient.APIError
	return errors.As(err, &apiErr) && (apiErr.Code == "missingtitle" || apiErr.Code == "nosuchpageid")
}

func revisionNotFound(ref title.Ref) error {
	return apierrors.New(apierrors.KindRevisionNotFound, "revision not found: "+ref.PrefixedDBKey())
}

func getMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func getString(v any) string {
	s, _ := v.(string)
	return s
}

func getInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func normalizeLimit(limit, defaultVal, maxVal int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit > maxVal {
		return maxVal
	}
	return limit
}

// normalizeCategoryName strips a namespace prefix and returns the DB key
func normalizeCategoryName(name string, namespaces *title.Namespaces) string {
	name = strings.TrimSpace(name)
	if prefix, rest, ok := strings.Cut(name, ":"); ok {
		if ns, found := namespaces.Lookup(prefix); found && ns.ID == title.NamespaceCategory {
			name = rest
		}
	}
	return title.DBKey(name)
}
