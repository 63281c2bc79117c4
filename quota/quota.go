// Package quota reads the per-day removal allowance from the account service.
package quota

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBatch bounds one run when nothing smaller applies.
	DefaultBatch    = 100
	DefaultCacheTTL = time.Minute

	unlimited = -1
)

type Snapshot struct {
	DailyLimit    int       `json:"dailyLimit"`
	DailyUsed     int       `json:"dailyUsed"`
	Remaining     int       `json:"remaining"`
	IsPremium     bool      `json:"isPremium"`
	Authenticated bool      `json:"authenticated"`
	LastUpdated   time.Time `json:"lastUpdated"`
	Date          string    `json:"date,omitempty"`
}

// Unlimited is what callers get whenever the quota cannot be read.
func Unlimited() Snapshot {
	return Snapshot{
		DailyLimit:  unlimited,
		Remaining:   unlimited,
		LastUpdated: time.Now(),
		Date:        time.Now().Format(time.DateOnly),
	}
}

func (s Snapshot) IsUnlimited() bool {
	return s.IsPremium || s.Remaining < 0
}

// Allowance is how many removals the snapshot still permits.
func (s Snapshot) Allowance() int {
	if s.IsUnlimited() {
		return math.MaxInt
	}
	return max(s.Remaining, 0)
}

// Cap bounds how many items one scroll-loading pass asks for: the smallest of
// the remaining quota, batch and DefaultBatch.
func Cap(s Snapshot, batch int) int {
	limit := DefaultBatch
	if batch > 0 && batch < limit {
		limit = batch
	}
	if !s.IsUnlimited() && s.Remaining < limit {
		limit = max(s.Remaining, 0)
	}
	return limit
}

type Provider interface {
	Snapshot(ctx context.Context) Snapshot
}

// Static always returns the same snapshot.
type Static Snapshot

func (s Static) Snapshot(context.Context) Snapshot { return Snapshot(s) }

// HTTPProvider fetches GET {base}/quota and caches the answer for a short
// while. Any failure yields Unlimited.
type HTTPProvider struct {
	base   string
	token  string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	cached  Snapshot
	fetched time.Time
}

type Option func(*HTTPProvider)

func WithToken(token string) Option {
	return func(p *HTTPProvider) { p.token = token }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(p *HTTPProvider) { p.ttl = ttl }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

func NewHTTPProvider(base string, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		base:   strings.TrimRight(base, "/"),
		ttl:    DefaultCacheTTL,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Snapshot(ctx context.Context) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fetched.IsZero() && p.now().Sub(p.fetched) < p.ttl {
		return p.cached
	}
	snap, err := p.fetch(ctx)
	if err != nil {
		logrus.WithError(err).Warn("quota unavailable, not limiting this run")
		return Unlimited()
	}
	p.cached, p.fetched = snap, p.now()
	return snap
}

func (p *HTTPProvider) fetch(ctx context.Context) (Snapshot, error) {
	if p.base == "" {
		return Snapshot{}, errors.New("quota: no service url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/quota", nil)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "build quota request")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "fetch quota")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, errors.Errorf("fetch quota: status %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode quota")
	}
	if snap.LastUpdated.IsZero() {
		snap.LastUpdated = p.now()
	}
	return snap, nil
}
