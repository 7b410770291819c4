package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradedeck/config"
	"tradedeck/logger"
	"tradedeck/models"
)

// maxBarsHardCap is the most candles the venue returns for one request, no
// matter what limit the caller asks for.
const maxBarsHardCap = 1000

// resolutionIntervals maps chart resolutions to the venue's interval tokens.
var resolutionIntervals = map[string]string{
	"1":   "1m",
	"3":   "3m",
	"5":   "5m",
	"15":  "15m",
	"30":  "30m",
	"60":  "1h",
	"120": "2h",
	"240": "4h",
	"360": "6h",
	"480": "8h",
	"720": "12h",
	"D":   "1d",
	"1D":  "1d",
	"W":   "1w",
	"1W":  "1w",
	"M":   "1M",
	"1M":  "1M",
}

// VenueInterval translates a chart resolution into the venue's interval token.
func VenueInterval(resolution string) (string, error) {
	interval, ok := resolutionIntervals[resolution]
	if !ok {
		return "", fmt.Errorf("unsupported resolution %q", resolution)
	}
	return interval, nil
}

// HistoryClient fetches historical candles over the venue's REST API. Requests
// are rate limited client-side and connections are pooled across calls.
type HistoryClient struct {
	cfg     config.VenueHistoryConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewHistoryClient(cfg config.VenueHistoryConfig) *HistoryClient {
	transport := &http.Transport{
		MaxIdleConns:    cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: cfg.ConnectionPool.IdleConnTimeout,
	}
	return &HistoryClient{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     logger.GetLogger(),
	}
}

// GetBars fetches up to limit candles for the symbol between start and end.
// The limit is clamped to the venue's 1000 bar page size.
func (c *HistoryClient) GetBars(ctx context.Context, symbol, resolution string, start, end time.Time, limit int) ([]models.Candle, error) {
	interval, err := VenueInterval(resolution)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxBarsHardCap {
		limit = c.cfg.MaxBars
	}
	if limit > maxBarsHardCap {
		limit = maxBarsHardCap
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := c.cfg.URL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build bars request: %w", err)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bars for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bars request for %s failed: status %d: %s", symbol, resp.StatusCode, string(body))
	}

	candles, err := decodeBars(resp.Body, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("decode bars for %s: %w", symbol, err)
	}

	c.log.WithComponent("history_client").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
		"bars":     len(candles),
		"duration": time.Since(started).String(),
	}).Debug("fetched historical bars")
	return candles, nil
}

// decodeBars parses the venue's tuple rows:
// [openTime, open, high, low, close, volume, ...]. Extra trailing fields are
// ignored.
func decodeBars(r io.Reader, symbol, interval string) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("row %d has %d fields, want at least 6", i, len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("row %d open time: %w", i, err)
		}

		fields := make([]decimal.Decimal, 5)
		for j := 1; j <= 5; j++ {
			var s string
			if err := json.Unmarshal(row[j], &s); err != nil {
				return nil, fmt.Errorf("row %d field %d: %w", i, j, err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("row %d field %d: %w", i, j, err)
			}
			fields[j-1] = d
		}

		candles = append(candles, models.Candle{
			Symbol:   symbol,
			Interval: interval,
			Time:     time.UnixMilli(openTime).UTC(),
			Open:     fields[0],
			High:     fields[1],
			Low:      fields[2],
			Close:    fields[3],
			Volume:   fields[4],
		})
	}
	return candles, nil
}
