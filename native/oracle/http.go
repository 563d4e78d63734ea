package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed fetches price data from a JSON quote endpoint. The endpoint is
// expected to respond with a body of the form
//
//	{"price": "2000.12345678", "timestamp": 1714000000}
//
// where price is denominated in USD per unit of the asset.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	symbol   string
	decimals uint8
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPFeed(client HTTPDoer, endpoint, symbol string, decimals uint8, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		symbol:   NormaliseFeedID(symbol),
		decimals: decimals,
		apiKey:   strings.TrimSpace(apiKey),
	}
}

func (f *HTTPFeed) LatestRound() (Reading, error) {
	if f == nil {
		return Reading{}, fmt.Errorf("oracle: http feed not configured")
	}
	if f.endpoint == "" {
		return Reading{}, fmt.Errorf("oracle: http feed endpoint required")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Reading{}, err
	}
	values := url.Values{}
	values.Set("symbol", f.symbol)
	values.Set("quote", "USD")
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reading{}, fmt.Errorf("oracle: http feed %s: status %d: %s", f.symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Reading{}, fmt.Errorf("oracle: http feed %s: decode: %w", f.symbol, err)
	}
	price, err := ParseDecimalPrice(payload.Price, f.decimals)
	if err != nil {
		return Reading{}, fmt.Errorf("oracle: http feed %s: %w", f.symbol, err)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return Reading{Price: price, Decimals: f.decimals, ObservedAt: ts, Source: "http:" + strings.ToLower(f.symbol)}, nil
}
