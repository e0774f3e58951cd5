package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultYahooBaseURL = "https://query1.finance.yahoo.com"

type YahooFetcher struct {
	baseURL string
	client  *http.Client
}

func NewYahooFetcher(baseURL string, client *http.Client) *YahooFetcher {
	if baseURL == "" {
		baseURL = defaultYahooBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &YahooFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// YahooSymbol maps a ledger symbol and market to the ticker Yahoo expects.
func YahooSymbol(symbol, market string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	switch strings.ToUpper(strings.TrimSpace(market)) {
	case "HK", "HKEX":
		for len(symbol) < 4 {
			symbol = "0" + symbol
		}
		return symbol + ".HK"
	case "SH", "SSE":
		return symbol + ".SS"
	case "SZ", "SZSE":
		return symbol + ".SZ"
	case "CRYPTO":
		return symbol + "-USD"
	}
	return symbol
}

func (f *YahooFetcher) FetchQuote(ctx context.Context, symbol, market string) (Quote, error) {
	ticker := YahooSymbol(symbol, market)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v8/finance/chart/%s", f.baseURL, ticker), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; folio-ledger)")

	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("yahoo quote %s: %w", ticker, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("yahoo quote %s: status %d", ticker, resp.StatusCode)
	}

	var body struct {
		Chart struct {
			Result []struct {
				Meta struct {
					Currency           string      `json:"currency"`
					RegularMarketPrice json.Number `json:"regularMarketPrice"`
					RegularMarketTime  int64       `json:"regularMarketTime"`
				} `json:"meta"`
			} `json:"result"`
		} `json:"chart"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("decode yahoo quote %s: %w", ticker, err)
	}
	if len(body.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("yahoo quote %s: %w", ticker, ErrNoQuote)
	}
	meta := body.Chart.Result[0].Meta
	price, err := decimal.NewFromString(meta.RegularMarketPrice.String())
	if err != nil {
		return Quote{}, fmt.Errorf("yahoo quote %s: parse price: %w", ticker, err)
	}
	ts := time.Now().UTC()
	if meta.RegularMarketTime > 0 {
		ts = time.Unix(meta.RegularMarketTime, 0).UTC()
	}
	return Quote{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Market:    strings.ToUpper(strings.TrimSpace(market)),
		Price:     price,
		Currency:  strings.ToUpper(meta.Currency),
		Timestamp: ts,
	}, nil
}
