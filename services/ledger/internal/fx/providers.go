package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider fetches a live rate from an external source.
type Provider interface {
	Name() string
	FetchLiveRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

var ErrPairNotServed = errors.New("pair not served by provider")

const (
	defaultYahooBaseURL        = "https://query1.finance.yahoo.com"
	defaultCoinGeckoBaseURL    = "https://api.coingecko.com"
	defaultExchangeRateBaseURL = "https://api.exchangerate-api.com"
)

var coinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDT": "tether",
}

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; folio-ledger)")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

func positiveNumber(n json.Number) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", n, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", rate)
	}
	return rate, nil
}

// YahooProvider reads FX pairs from the Yahoo Finance chart endpoint.
type YahooProvider struct {
	baseURL string
	client  *http.Client
}

func NewYahooProvider(baseURL string, client *http.Client) *YahooProvider {
	if baseURL == "" {
		baseURL = defaultYahooBaseURL
	}
	return &YahooProvider{baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPClient(client)}
}

func (p *YahooProvider) Name() string { return "yahoo" }

func (p *YahooProvider) FetchLiveRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if _, crypto := coinGeckoIDs[from]; crypto {
		return decimal.Zero, ErrPairNotServed
	}
	var body struct {
		Chart struct {
			Result []struct {
				Meta struct {
					RegularMarketPrice json.Number `json:"regularMarketPrice"`
				} `json:"meta"`
			} `json:"result"`
		} `json:"chart"`
	}
	url := fmt.Sprintf("%s/v8/finance/chart/%s%s=X", p.baseURL, from, to)
	if err := getJSON(ctx, p.client, url, &body); err != nil {
		return decimal.Zero, err
	}
	if len(body.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("yahoo: no result for %s%s", from, to)
	}
	return positiveNumber(body.Chart.Result[0].Meta.RegularMarketPrice)
}

// CoinGeckoProvider prices the supported crypto assets against fiat.
type CoinGeckoProvider struct {
	baseURL string
	client  *http.Client
}

func NewCoinGeckoProvider(baseURL string, client *http.Client) *CoinGeckoProvider {
	if baseURL == "" {
		baseURL = defaultCoinGeckoBaseURL
	}
	return &CoinGeckoProvider{baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPClient(client)}
}

func (p *CoinGeckoProvider) Name() string { return "coingecko" }

func (p *CoinGeckoProvider) FetchLiveRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	fromID, fromCrypto := coinGeckoIDs[from]
	toID, toCrypto := coinGeckoIDs[to]
	switch {
	case fromCrypto && !toCrypto:
		return p.price(ctx, fromID, to)
	case toCrypto && !fromCrypto:
		price, err := p.price(ctx, toID, from)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromInt(1).Div(price), nil
	}
	return decimal.Zero, ErrPairNotServed
}

func (p *CoinGeckoProvider) price(ctx context.Context, id, vs string) (decimal.Decimal, error) {
	vs = strings.ToLower(vs)
	var body map[string]map[string]json.Number
	url := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=%s", p.baseURL, id, vs)
	if err := getJSON(ctx, p.client, url, &body); err != nil {
		return decimal.Zero, err
	}
	n, ok := body[id][vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: no %s price for %s", vs, id)
	}
	return positiveNumber(n)
}

// ExchangeRateAPIProvider reads the latest table for the source currency.
type ExchangeRateAPIProvider struct {
	baseURL string
	client  *http.Client
}

func NewExchangeRateAPIProvider(baseURL string, client *http.Client) *ExchangeRateAPIProvider {
	if baseURL == "" {
		baseURL = defaultExchangeRateBaseURL
	}
	return &ExchangeRateAPIProvider{baseURL: strings.TrimRight(baseURL, "/"), client: newHTTPClient(client)}
}

func (p *ExchangeRateAPIProvider) Name() string { return "exchangerate-api" }

func (p *ExchangeRateAPIProvider) FetchLiveRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var body struct {
		Rates map[string]json.Number `json:"rates"`
	}
	url := fmt.Sprintf("%s/v4/latest/%s", p.baseURL, from)
	if err := getJSON(ctx, p.client, url, &body); err != nil {
		return decimal.Zero, err
	}
	n, ok := body.Rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("exchangerate-api: no %s rate for %s", to, from)
	}
	return positiveNumber(n)
}

// NewProviders builds the named providers in order. Unknown names are rejected.
func NewProviders(names []string, client *http.Client) ([]Provider, error) {
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "yahoo":
			out = append(out, NewYahooProvider("", client))
		case "coingecko":
			out = append(out, NewCoinGeckoProvider("", client))
		case "exchangerate-api", "exchangerate":
			out = append(out, NewExchangeRateAPIProvider("", client))
		case "":
		default:
			return nil, fmt.Errorf("unknown rate provider %q", name)
		}
	}
	return out, nil
}
