package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

// Service answers compliance questions about a provider URL.
type Service interface {
	Lookup(ctx context.Context, providerURL string) (models.ProviderIntel, error)
}

// Client queries the provider-intelligence HTTP service and caches answers.
// On any failure it falls back to a conservative yellow/neutral default so
// session initialization never blocks on intel.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	cache map[string]models.ProviderIntel
}

// NewClient builds an intel client. An empty base URL yields a client that
// always returns the conservative default.
func NewClient(cfg config.IntelConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: timeout},
		cache:   make(map[string]models.ProviderIntel),
	}
}

// Lookup returns intel for a provider, cached per host.
func (c *Client) Lookup(ctx context.Context, providerURL string) (models.ProviderIntel, error) {
	key := hostKey(providerURL)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	intel, err := c.fetch(ctx, providerURL)
	if err != nil {
		return conservativeDefault(), err
	}

	c.mu.Lock()
	c.cache[key] = intel
	c.mu.Unlock()
	return intel, nil
}

func (c *Client) fetch(ctx context.Context, providerURL string) (models.ProviderIntel, error) {
	if c.baseURL == "" {
		return conservativeDefault(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/providers?url=%s", c.baseURL, url.QueryEscape(providerURL)), nil)
	if err != nil {
		return models.ProviderIntel{}, fmt.Errorf("build intel request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.ProviderIntel{}, fmt.Errorf("query provider intel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ProviderIntel{}, fmt.Errorf("provider intel returned %d", resp.StatusCode)
	}

	var intel models.ProviderIntel
	if err := json.NewDecoder(resp.Body).Decode(&intel); err != nil {
		return models.ProviderIntel{}, fmt.Errorf("decode provider intel: %w", err)
	}
	intel.LastChecked = time.Now().UTC()
	return intel, nil
}

func conservativeDefault() models.ProviderIntel {
	return models.ProviderIntel{
		ComplianceTier:   models.TierYellow,
		RelationshipTier: models.RelationshipNeutral,
		LastChecked:      time.Now().UTC(),
	}
}

func hostKey(providerURL string) string {
	u, err := url.Parse(providerURL)
	if err != nil || u.Host == "" {
		return providerURL
	}
	return u.Host
}

// Static is a fixed-table Service for tests and offline runs.
type Static struct {
	Table map[string]models.ProviderIntel
}

func (s Static) Lookup(_ context.Context, providerURL string) (models.ProviderIntel, error) {
	if intel, ok := s.Table[hostKey(providerURL)]; ok {
		return intel, nil
	}
	return conservativeDefault(), nil
}
