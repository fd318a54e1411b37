package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

// DefaultKrakenTimeout bounds one private API request.
const DefaultKrakenTimeout = 30 * time.Second

const ledgersPath = "/0/private/Ledgers"

// quoteAssets are the fiat assets a trade can be priced in. The leg
// paid in one of these is the quote side of the trade.
var quoteAssets = map[string]struct{}{
	"ZUSD": {}, "USD": {},
	"ZEUR": {}, "EUR": {},
	"ZGBP": {}, "GBP": {},
	"ZJPY": {}, "JPY": {},
	"ZCAD": {}, "CAD": {},
	"CHF": {},
}

// KrakenClient fetches trade history via the authenticated Ledgers
// endpoint and reassembles ledger entry pairs into trades.
type KrakenClient struct {
	baseURL   string
	apiKey    string
	apiSecret string // base64-encoded
	client    *http.Client
	nonce     func() int64
}

// KrakenOption configures KrakenClient.
type KrakenOption func(*KrakenClient)

// WithKrakenHTTPClient sets a custom http.Client.
func WithKrakenHTTPClient(client *http.Client) KrakenOption {
	return func(c *KrakenClient) {
		c.client = client
	}
}

// WithKrakenNonce sets the nonce generator. Tests use a fixed nonce to
// pin the signature.
func WithKrakenNonce(nonce func() int64) KrakenOption {
	return func(c *KrakenClient) {
		c.nonce = nonce
	}
}

// NewKrakenClient creates a new Kraken private API client.
func NewKrakenClient(baseURL, apiKey, apiSecret string, opts ...KrakenOption) *KrakenClient {
	c := &KrakenClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: DefaultKrakenTimeout},
		nonce:     func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ TradeSource = (*KrakenClient)(nil)

// ledgerEntry is one row of the Ledgers response. Amounts and fees are
// decimal strings.
type ledgerEntry struct {
	RefID  string  `json:"refid"`
	Time   float64 `json:"time"` // unix seconds
	Type   string  `json:"type"`
	Asset  string  `json:"asset"`
	Amount string  `json:"amount"`
	Fee    string  `json:"fee"`
}

type ledgerResult struct {
	Ledger map[string]ledgerEntry `json:"ledger"`
	Count  int                    `json:"count"`
}

type krakenResponse struct {
	Error  []string     `json:"error"`
	Result ledgerResult `json:"result"`
}

// sign computes the API-Sign header for a private endpoint:
// HMAC-SHA512(path + SHA256(nonce + postData)) keyed with the
// base64-decoded secret, base64-encoded.
func (c *KrakenClient) sign(path string, nonce int64, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ledgers fetches one page of ledger entries.
func (c *KrakenClient) ledgers(ctx context.Context, start, end int64, offset int) (*ledgerResult, error) {
	nonce := c.nonce()

	form := url.Values{}
	form.Set("nonce", strconv.FormatInt(nonce, 10))
	if start > 0 {
		form.Set("start", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		form.Set("end", strconv.FormatInt(end, 10))
	}
	if offset > 0 {
		form.Set("ofs", strconv.Itoa(offset))
	}
	postData := form.Encode()

	signature, err := c.sign(ledgersPath, nonce, postData)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ledgersPath, strings.NewReader(postData))
	if err != nil {
		return nil, fmt.Errorf("build kraken request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", signature)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read kraken response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken status %d: %s", resp.StatusCode, body)
	}

	var envelope krakenResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode kraken response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return nil, fmt.Errorf("kraken api error: %s", strings.Join(envelope.Error, ", "))
	}

	return &envelope.Result, nil
}

// Trades returns all trades recorded at or after start, reassembled
// from trade-type ledger entries grouped by their shared refid.
func (c *KrakenClient) Trades(ctx context.Context, start int64) ([]*domain.ExchangeEvent, error) {
	end := time.Now().Unix()
	entries := make(map[string]ledgerEntry)

	for offset := 0; ; {
		page, err := c.ledgers(ctx, start, end, offset)
		if err != nil {
			return nil, err
		}
		for id, entry := range page.Ledger {
			entries[id] = entry
		}
		offset += len(page.Ledger)
		if len(page.Ledger) == 0 || offset >= page.Count {
			break
		}
	}

	return tradesFromLedger(entries)
}

// tradesFromLedger groups trade-type entries by refid and decomposes
// each pair of legs into one trade. The leg paid in a fiat quote asset
// decides the side: fiat outflow is a buy of the other leg's asset,
// anything else is a sell of the outflow asset.
func tradesFromLedger(entries map[string]ledgerEntry) ([]*domain.ExchangeEvent, error) {
	type legs struct {
		ids  []string
		rows []ledgerEntry
	}
	groups := make(map[string]*legs)
	for id, entry := range entries {
		if entry.Type != "trade" {
			continue
		}
		g, ok := groups[entry.RefID]
		if !ok {
			g = &legs{}
			groups[entry.RefID] = g
		}
		g.ids = append(g.ids, id)
		g.rows = append(g.rows, entry)
	}

	refids := make([]string, 0, len(groups))
	for refid := range groups {
		refids = append(refids, refid)
	}
	sort.Strings(refids)

	var trades []*domain.ExchangeEvent
	for _, refid := range refids {
		g := groups[refid]
		trade, err := tradeFromLegs(refid, g.ids, g.rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func tradeFromLegs(refid string, ids []string, rows []ledgerEntry) (*domain.ExchangeEvent, error) {
	var (
		outLeg, inLeg   *ledgerEntry
		outFee, inFee   decimal.Decimal
		outAmt, inAmt   decimal.Decimal
		earliestTimeSec float64
	)

	for i := range rows {
		entry := rows[i]
		amount, err := decimal.NewFromString(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("trade %s: parse amount %q: %w", refid, entry.Amount, err)
		}
		fee, err := decimal.NewFromString(entry.Fee)
		if err != nil {
			return nil, fmt.Errorf("trade %s: parse fee %q: %w", refid, entry.Fee, err)
		}
		if earliestTimeSec == 0 || entry.Time < earliestTimeSec {
			earliestTimeSec = entry.Time
		}
		if strings.HasPrefix(entry.Amount, "-") {
			outLeg, outAmt, outFee = &rows[i], amount.Abs(), fee
		} else {
			inLeg, inAmt, inFee = &rows[i], amount, fee
		}
	}
	if outLeg == nil || inLeg == nil {
		return nil, fmt.Errorf("trade %s: missing outflow or inflow leg", refid)
	}

	var (
		side              domain.TradeSide
		base, quote       string
		volume, cost      decimal.Decimal
		baseFee, quoteFee decimal.Decimal
	)
	if _, fiatOut := quoteAssets[outLeg.Asset]; fiatOut {
		// Paying fiat for an asset
		side = domain.TradeSideBuy
		base, quote = inLeg.Asset, outLeg.Asset
		volume, cost = inAmt, outAmt
		baseFee, quoteFee = inFee, outFee
	} else {
		side = domain.TradeSideSell
		base, quote = outLeg.Asset, inLeg.Asset
		volume, cost = outAmt, inAmt
		baseFee, quoteFee = outFee, inFee
	}

	price := decimal.Zero
	if volume.IsPositive() {
		price = cost.Div(volume)
	}

	sort.Strings(ids)
	return &domain.ExchangeEvent{
		Exchange:      "kraken",
		TxID:          refid,
		Pair:          base + quote,
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Timestamp:     int64(earliestTimeSec * 1000),
		Side:          side,
		Price:         price,
		Cost:          cost,
		Volume:        volume,
		BaseFee:       baseFee,
		QuoteFee:      quoteFee,
		WithdrawalFee: decimal.Zero,
		Ledgers:       ids,
	}, nil
}
