// Package geo resolves the agent's public IP and approximate location for
// audit enrichment.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/getathos/athos-agent/internal/model"
)

// Result is the last known network location.
type Result struct {
	IP       string
	Location *model.Geolocation
}

type ipapiResponse struct {
	IP          string  `json:"ip"`
	City        string  `json:"city"`
	Region      string  `json:"region"`
	CountryName string  `json:"country_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Error       bool    `json:"error"`
	Reason      string  `json:"reason"`
}

// Locator caches one lookup result for ttl. Lookups past the TTL are
// rate limited; when the limiter refuses or the service fails, the stale
// result is returned.
type Locator struct {
	http    *resty.Client
	url     string
	ttl     time.Duration
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	cached  Result
	fetched time.Time
}

// New creates a Locator querying url (an ipapi.co-compatible JSON endpoint).
func New(url string, ttl time.Duration, log *zap.Logger) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locator{
		http:    resty.New().SetTimeout(5 * time.Second),
		url:     url,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Every(time.Minute), 2),
		log:     log,
		now:     time.Now,
	}
}

// Lookup returns the cached location, refreshing it when stale. It never
// fails: on error the previous result (possibly empty) is returned.
// A nil Locator returns an empty result.
func (l *Locator) Lookup(ctx context.Context) Result {
	if l == nil {
		return Result{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.fetched.IsZero() && l.now().Sub(l.fetched) < l.ttl {
		return l.cached
	}
	if !l.limiter.Allow() {
		return l.cached
	}

	res, err := l.fetch(ctx)
	if err != nil {
		l.log.Debug("geolocation lookup failed", zap.Error(err))
		return l.cached
	}
	l.cached = res
	l.fetched = l.now()
	return res
}

func (l *Locator) fetch(ctx context.Context) (Result, error) {
	resp, err := l.http.R().SetContext(ctx).Get(l.url)
	if err != nil {
		return Result{}, fmt.Errorf("get %s: %w", l.url, err)
	}
	if !resp.IsSuccess() {
		return Result{}, fmt.Errorf("get %s: HTTP %d", l.url, resp.StatusCode())
	}
	var body ipapiResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return Result{}, fmt.Errorf("decode geolocation: %w", err)
	}
	if body.Error {
		return Result{}, fmt.Errorf("geolocation service: %s", body.Reason)
	}
	return Result{
		IP: body.IP,
		Location: &model.Geolocation{
			City:      body.City,
			Region:    body.Region,
			Country:   body.CountryName,
			Latitude:  body.Latitude,
			Longitude: body.Longitude,
		},
	}, nil
}
