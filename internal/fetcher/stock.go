package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

var stockSymbolPattern = regexp.MustCompile(`^[A-Z]{1,5}([.-][A-Z]{1,2})?$`)

// StockFetcher reads daily candles from the Yahoo Finance chart API.
type StockFetcher struct {
	HTTPClient *http.Client
	BaseURL    string
	userAgent  string
	limiter    *rate.Limiter
	now        func() time.Time
}

var _ Fetcher = (*StockFetcher)(nil)

// NewStockFetcher creates a stock fetcher. RequestsPerSecond caps the
// client-side request rate; zero disables the cap.
func NewStockFetcher(cfg config.ProviderConfig) *StockFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}

	return &StockFetcher{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		userAgent:  cfg.UserAgent,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Currency     string `json:"currency"`
		Symbol       string `json:"symbol"`
		ExchangeName string `json:"exchangeName"`
		LongName     string `json:"longName"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// FetchHistorical implements Fetcher.
func (s *StockFetcher) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) (*models.AssetData, error) {
	if !s.ValidateSymbol(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	params := url.Values{}
	params.Set("period1", strconv.FormatInt(start.Unix(), 10))
	params.Set("period2", strconv.FormatInt(end.Unix(), 10))
	params.Set("interval", "1d")

	path := "/v8/finance/chart/" + url.PathEscape(symbol) + "?" + params.Encode()

	var resp chartResponse
	if err := s.makeRequest(ctx, path, &resp); err != nil {
		return nil, err
	}

	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoData, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, ErrNoData
	}

	result := resp.Chart.Result[0]
	if len(result.Timestamp) == 0 || len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	prices := convertQuotes(result)
	if len(prices) == 0 {
		return nil, ErrNoData
	}

	data := &models.AssetData{
		Symbol:    symbol,
		AssetType: models.AssetTypeStock,
		Name:      result.Meta.LongName,
		Currency:  result.Meta.Currency,
		Exchange:  result.Meta.ExchangeName,
		Prices:    prices,
	}
	if data.Name == "" {
		data.Name = symbol
	}
	if data.Currency == "" {
		data.Currency = "USD"
	}
	if data.Exchange == "" {
		data.Exchange = "UNKNOWN"
	}
	return data, nil
}

// FetchCurrent implements Fetcher using the last candle of the past five days.
func (s *StockFetcher) FetchCurrent(ctx context.Context, symbol string) (*models.PricePoint, error) {
	end := s.now()
	data, err := s.FetchHistorical(ctx, symbol, end.AddDate(0, 0, -5), end)
	if err != nil {
		return nil, err
	}
	latest := data.Prices[len(data.Prices)-1]
	return &latest, nil
}

// ValidateSymbol implements Fetcher.
func (s *StockFetcher) ValidateSymbol(symbol string) bool {
	return stockSymbolPattern.MatchString(symbol)
}

// convertQuotes turns the column arrays into price points, skipping
// candles without a close. Prices are rounded to cents.
func convertQuotes(result chartResult) []models.PricePoint {
	q := result.Indicators.Quote[0]
	prices := make([]models.PricePoint, 0, len(result.Timestamp))

	for i, ts := range result.Timestamp {
		closeVal := floatAt(q.Close, i)
		if closeVal == nil {
			continue
		}

		p := models.PricePoint{
			Timestamp: time.Unix(ts, 0).UTC().Format(time.RFC3339),
			Open:      roundedDecimal(floatAt(q.Open, i)),
			High:      roundedDecimal(floatAt(q.High, i)),
			Low:       roundedDecimal(floatAt(q.Low, i)),
			Close:     roundedDecimal(closeVal),
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			v := *q.Volume[i]
			p.Volume = &v
		} else {
			p.Volume = models.Int64Ptr(0)
		}
		prices = append(prices, p)
	}
	return prices
}

func floatAt(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func roundedDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v).Round(2))
}

// makeRequest performs a GET against the provider and decodes the JSON
// body into result, translating failures into the package's error kinds.
func (s *StockFetcher) makeRequest(ctx context.Context, path string, result interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return classifyTransportError(ctx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: symbol not found", ErrNoData)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: provider returned HTTP %d", ErrNetwork, resp.StatusCode)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrNetwork, err)
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
