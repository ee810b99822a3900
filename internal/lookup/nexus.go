// Package lookup confirms that referenced components exist in a Nexus
// repository manager through its REST v1 API.
//
// A component exists when its repository exists and a search by group,
// name and (when non-empty) version returns at least one item.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nainya/tagstore/pkg/tag"
)

// Config configures the Nexus client
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	// Zero keeps the retryablehttp defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RateLimit caps requests per second; zero disables limiting
	RateLimit float64
	Burst     int
}

// Observer records lookup outcomes. internal/metrics implements it.
type Observer interface {
	ObserveLookup(exists bool, err error)
}

// Client answers tag.ComponentLookup against Nexus
type Client struct {
	base     *url.URL
	http     *retryablehttp.Client
	username string
	password string
	limiter  *rate.Limiter
	flight   singleflight.Group
	log      zerolog.Logger
	obs      Observer
}

var _ tag.ComponentLookup = (*Client)(nil)

// New creates a client. obs may be nil.
func New(cfg Config, log zerolog.Logger, obs Observer) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("lookup: invalid base URL %q", cfg.BaseURL)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		hc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		hc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		hc.HTTPClient.Timeout = cfg.Timeout
	}
	hc.Logger = leveledLogger{log: log}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		base:     base,
		http:     hc,
		username: cfg.Username,
		password: cfg.Password,
		limiter:  limiter,
		log:      log,
		obs:      obs,
	}, nil
}

// ComponentExists reports whether the component can be found in Nexus.
// Concurrent lookups of the same component share one round trip.
func (c *Client) ComponentExists(ctx context.Context, repository string, group *string, name, version string) (bool, error) {
	key := flightKey(repository, group, name, version)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.lookup(ctx, repository, group, name, version)
	})
	exists, _ := v.(bool)

	if c.obs != nil {
		c.obs.ObserveLookup(exists, err)
	}
	c.log.Debug().
		Str("repository", repository).
		Str("name", name).
		Str("version", version).
		Bool("exists", exists).
		Err(err).
		Msg("Component lookup")
	return exists, err
}

func (c *Client) lookup(ctx context.Context, repository string, group *string, name, version string) (bool, error) {
	status, _, err := c.get(ctx, "/service/rest/v1/repositories/"+url.PathEscape(repository), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		c.log.Info().Str("repository", repository).Msg("Component is invalid as repository does not exist")
		return false, nil
	default:
		return false, fmt.Errorf("lookup repository %q: unexpected status %d", repository, status)
	}

	query := url.Values{}
	query.Set("repository", repository)
	query.Set("name", name)
	if group != nil {
		query.Set("group", *group)
	}
	if version != "" {
		query.Set("version", version)
	}

	// Nexus ignores an absent group filter, so a reference without a group
	// is checked against the group of each returned item
	for pages := 0; pages < maxSearchPages; pages++ {
		status, body, err := c.get(ctx, "/service/rest/v1/search", query)
		if err != nil {
			return false, err
		}
		if status != http.StatusOK {
			return false, fmt.Errorf("search components in %q: unexpected status %d", repository, status)
		}

		var page searchPage
		if err := json.Unmarshal(body, &page); err != nil {
			return false, fmt.Errorf("decode search response: %w", err)
		}
		for _, item := range page.Items {
			if group != nil || item.Group == nil {
				return true, nil
			}
		}
		if page.ContinuationToken == nil || *page.ContinuationToken == "" {
			return false, nil
		}
		query.Set("continuationToken", *page.ContinuationToken)
	}
	return false, fmt.Errorf("search components in %q: more than %d result pages", repository, maxSearchPages)
}

// maxSearchPages bounds how far an ungrouped lookup follows continuation tokens
const maxSearchPages = 20

// searchPage is one page of GET /service/rest/v1/search
type searchPage struct {
	Items             []searchItem `json:"items"`
	ContinuationToken *string      `json:"continuationToken"`
}

type searchItem struct {
	Group *string `json:"group"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	// path is already escaped
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, errors.Join(ctxErr, err)
		}
		return 0, nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func flightKey(repository string, group *string, name, version string) string {
	g := "\x01" // distinct from every real group
	if group != nil {
		g = *group
	}
	return strings.Join([]string{repository, g, name, version}, "\x00")
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
