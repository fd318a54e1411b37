package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"cryptotax-engine/internal/domain"
)

func kdec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

// testSecret is a base64-encoded dummy signing key.
var testSecret = base64.StdEncoding.EncodeToString([]byte("kraken-test-secret"))

func expectedSign(t *testing.T, secret, path string, nonce int64, postData string) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func ledgerPage(entries string, count int) string {
	return fmt.Sprintf(`{"error":[],"result":{"ledger":{%s},"count":%d}}`, entries, count)
}

const buyLegs = `
"L1":{"refid":"TRADE-1","time":1693000000.5,"type":"trade","asset":"ZUSD","amount":"-100.0000","fee":"0.2600"},
"L2":{"refid":"TRADE-1","time":1693000000.75,"type":"trade","asset":"XETH","amount":"0.0500000000","fee":"0.0000000000"}`

const sellLegs = `
"L3":{"refid":"TRADE-2","time":1693100000.0,"type":"trade","asset":"XETH","amount":"-1.0000000000","fee":"0.0016000000"},
"L4":{"refid":"TRADE-2","time":1693100000.5,"type":"trade","asset":"ZUSD","amount":"1900.0000","fee":"0.0000"}`

func TestKrakenSignatureAndHeaders(t *testing.T) {
	const nonce = int64(1693000099000)

	var gotKey, gotSign, gotPost string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPost = string(body)
		gotKey = r.Header.Get("API-Key")
		gotSign = r.Header.Get("API-Sign")
		w.Write([]byte(ledgerPage("", 0)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "test-key", testSecret,
		WithKrakenNonce(func() int64 { return nonce }))

	if _, err := client.Trades(context.Background(), 0); err != nil {
		t.Fatalf("Trades failed: %v", err)
	}

	if gotKey != "test-key" {
		t.Errorf("API-Key = %q, want test-key", gotKey)
	}
	form, err := url.ParseQuery(gotPost)
	if err != nil {
		t.Fatalf("parse post data: %v", err)
	}
	if form.Get("nonce") != strconv.FormatInt(nonce, 10) {
		t.Errorf("nonce = %q, want %d", form.Get("nonce"), nonce)
	}
	if want := expectedSign(t, testSecret, "/0/private/Ledgers", nonce, gotPost); gotSign != want {
		t.Errorf("API-Sign = %q, want %q", gotSign, want)
	}
}

func TestKrakenTrades_BuyDecomposition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ledgerPage(buyLegs, 2)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	trades, err := client.Trades(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}

	trade := trades[0]
	if trade.Side != domain.TradeSideBuy {
		t.Errorf("Side = %s, want buy (fiat outflow)", trade.Side)
	}
	if trade.BaseCurrency != "XETH" || trade.QuoteCurrency != "ZUSD" {
		t.Errorf("pair = %s/%s, want XETH/ZUSD", trade.BaseCurrency, trade.QuoteCurrency)
	}
	if !trade.Volume.Equal(kdec(t, "0.05")) {
		t.Errorf("Volume = %s, want 0.05", trade.Volume)
	}
	if !trade.Cost.Equal(kdec(t, "100")) {
		t.Errorf("Cost = %s, want 100", trade.Cost)
	}
	if !trade.Price.Equal(kdec(t, "2000")) {
		t.Errorf("Price = %s, want cost/volume 2000", trade.Price)
	}
	if !trade.QuoteFee.Equal(kdec(t, "0.26")) {
		t.Errorf("QuoteFee = %s, want the fiat leg fee 0.26", trade.QuoteFee)
	}
	if trade.TxID != "TRADE-1" {
		t.Errorf("TxID = %q, want the shared refid", trade.TxID)
	}
	if trade.Timestamp != 1693000000500 {
		t.Errorf("Timestamp = %d, want earliest leg in millis", trade.Timestamp)
	}
	if len(trade.Ledgers) != 2 || trade.Ledgers[0] != "L1" || trade.Ledgers[1] != "L2" {
		t.Errorf("Ledgers = %v, want sorted [L1 L2]", trade.Ledgers)
	}
}

func TestKrakenTrades_SellDecomposition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ledgerPage(sellLegs, 2)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	trades, err := client.Trades(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}

	trade := trades[0]
	if trade.Side != domain.TradeSideSell {
		t.Errorf("Side = %s, want sell (crypto outflow)", trade.Side)
	}
	if trade.BaseCurrency != "XETH" || trade.QuoteCurrency != "ZUSD" {
		t.Errorf("pair = %s/%s, want XETH/ZUSD", trade.BaseCurrency, trade.QuoteCurrency)
	}
	if !trade.Volume.Equal(kdec(t, "1")) {
		t.Errorf("Volume = %s, want 1", trade.Volume)
	}
	if !trade.Cost.Equal(kdec(t, "1900")) {
		t.Errorf("Cost = %s, want 1900", trade.Cost)
	}
	if !trade.BaseFee.Equal(kdec(t, "0.0016")) {
		t.Errorf("BaseFee = %s, want the crypto leg fee 0.0016", trade.BaseFee)
	}
}

func TestKrakenTrades_Pagination(t *testing.T) {
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		offsets = append(offsets, form.Get("ofs"))

		if form.Get("ofs") == "" {
			w.Write([]byte(ledgerPage(buyLegs, 4)))
			return
		}
		w.Write([]byte(ledgerPage(sellLegs, 4)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	trades, err := client.Trades(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2 across pages", len(trades))
	}
	if len(offsets) != 2 || offsets[1] != "2" {
		t.Errorf("offsets = %v, want second request at ofs=2", offsets)
	}

	// Groups come back sorted by refid.
	if trades[0].TxID != "TRADE-1" || trades[1].TxID != "TRADE-2" {
		t.Errorf("trade order = %s, %s, want TRADE-1, TRADE-2", trades[0].TxID, trades[1].TxID)
	}
}

func TestKrakenTrades_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EAPI:Invalid key"],"result":{"ledger":{},"count":0}}`))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	if _, err := client.Trades(context.Background(), 0); err == nil {
		t.Fatal("expected error for API error array")
	}
}

func TestKrakenTrades_MissingLegFails(t *testing.T) {
	const lonely = `"L9":{"refid":"TRADE-9","time":1,"type":"trade","asset":"XETH","amount":"-1","fee":"0"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ledgerPage(lonely, 1)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	if _, err := client.Trades(context.Background(), 0); err == nil {
		t.Fatal("expected error for a trade with one leg")
	}
}

func TestKrakenTrades_NonTradeEntriesIgnored(t *testing.T) {
	const withDeposit = buyLegs + `,
"L5":{"refid":"DEP-1","time":1693000001.0,"type":"deposit","asset":"ZUSD","amount":"500.0000","fee":"0.0000"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ledgerPage(withDeposit, 3)))
	}))
	defer server.Close()

	client := NewKrakenClient(server.URL, "k", testSecret)
	trades, err := client.Trades(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("got %d trades, want 1 (deposit ignored)", len(trades))
	}
}
