package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateUnavailable is returned when the upstream price feed is unreachable
// or reports a non-positive price.
var ErrRateUnavailable = errors.New("conversion rate unavailable")

// RateSource resolves how many token units one fiat unit buys.
type RateSource interface {
	TokenPerFiatRate(ctx context.Context, currency string) (*big.Rat, error)
}

// Oracle fetches the fiat price of one token from an HTTP price feed and
// inverts it into a token-per-fiat rate. A short TTL cache keeps retry loops
// from hammering the feed; correctness does not depend on it.
type Oracle struct {
	client  *http.Client
	feedURL string
	ttl     time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	cached    *big.Rat
	cachedCur string
	fetchedAt time.Time
}

type priceFeedResponse struct {
	Price json.Number `json:"price"`
}

func NewOracle(feedURL string, ttl time.Duration, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		client:  &http.Client{Timeout: 10 * time.Second},
		feedURL: feedURL,
		ttl:     ttl,
		logger:  logger,
	}
}

// TokenPerFiatRate returns the current token-per-fiat-unit rate for currency.
func (o *Oracle) TokenPerFiatRate(ctx context.Context, currency string) (*big.Rat, error) {
	o.mu.Lock()
	if o.cached != nil && o.cachedCur == currency && time.Since(o.fetchedAt) < o.ttl {
		rate := new(big.Rat).Set(o.cached)
		o.mu.Unlock()
		return rate, nil
	}
	o.mu.Unlock()

	price, err := o.fetchPrice(ctx, currency)
	if err != nil {
		return nil, err
	}

	// Feed reports the fiat price of one token; the quote needs the inverse.
	rate := new(big.Rat).Inv(price)

	o.mu.Lock()
	o.cached = new(big.Rat).Set(rate)
	o.cachedCur = currency
	o.fetchedAt = time.Now()
	o.mu.Unlock()

	return rate, nil
}

func (o *Oracle) fetchPrice(ctx context.Context, currency string) (*big.Rat, error) {
	reqURL := o.feedURL
	if currency != "" {
		sep := "?"
		if u, err := url.Parse(o.feedURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		reqURL = o.feedURL + sep + "currency=" + url.QueryEscape(currency)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("Price feed request failed", zap.String("url", o.feedURL), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		o.logger.Warn("Price feed returned non-success status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: feed returned status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var body priceFeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode feed response: %v", ErrRateUnavailable, err)
	}

	price, ok := new(big.Rat).SetString(body.Price.String())
	if !ok {
		return nil, fmt.Errorf("%w: unparsable price %q", ErrRateUnavailable, body.Price.String())
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price %s", ErrRateUnavailable, price.RatString())
	}

	return price, nil
}
