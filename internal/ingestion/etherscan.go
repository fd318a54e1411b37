package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cryptotax-engine/internal/domain"
	"cryptotax-engine/internal/idhash"
)

// DefaultEtherscanTimeout bounds one tokentx request.
const DefaultEtherscanTimeout = 30 * time.Second

// EtherscanClient fetches ERC-20 transfers via the Etherscan account API.
type EtherscanClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// EtherscanOption configures EtherscanClient.
type EtherscanOption func(*EtherscanClient)

// WithEtherscanHTTPClient sets a custom http.Client.
func WithEtherscanHTTPClient(client *http.Client) EtherscanOption {
	return func(c *EtherscanClient) {
		c.client = client
	}
}

// NewEtherscanClient creates a new Etherscan client.
func NewEtherscanClient(baseURL, apiKey string, opts ...EtherscanOption) *EtherscanClient {
	c := &EtherscanClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultEtherscanTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ ChainTransferSource = (*EtherscanClient)(nil)

// etherscanResponse is the common envelope. On errors and empty result
// sets Result holds a string instead of the row array, so it stays raw
// until the status is known.
type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// tokenTransfer is one tokentx row. Etherscan serializes every numeric
// field as a string.
type tokenTransfer struct {
	BlockNumber       string `json:"blockNumber"`
	TimeStamp         string `json:"timeStamp"`
	Hash              string `json:"hash"`
	Nonce             string `json:"nonce"`
	BlockHash         string `json:"blockHash"`
	From              string `json:"from"`
	ContractAddress   string `json:"contractAddress"`
	To                string `json:"to"`
	Value             string `json:"value"`
	TokenName         string `json:"tokenName"`
	TokenSymbol       string `json:"tokenSymbol"`
	TokenDecimal      string `json:"tokenDecimal"`
	TransactionIndex  string `json:"transactionIndex"`
	Gas               string `json:"gas"`
	GasPrice          string `json:"gasPrice"`
	GasUsed           string `json:"gasUsed"`
	CumulativeGasUsed string `json:"cumulativeGasUsed"`
	Confirmations     string `json:"confirmations"`
}

// Transfers returns all ERC-20 transfers touching the address from
// startBlock onward, oldest first. An empty history is not an error.
func (c *EtherscanClient) Transfers(ctx context.Context, address string, startBlock int64) ([]*domain.ChainEvent, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("address", address)
	params.Set("startblock", strconv.FormatInt(startBlock, 10))
	params.Set("sort", "asc")
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build etherscan request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherscan request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read etherscan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("etherscan status %d: %s", resp.StatusCode, body)
	}

	var envelope etherscanResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode etherscan response: %w", err)
	}

	if envelope.Status != "1" {
		if strings.Contains(envelope.Message, "No transactions found") {
			return nil, nil
		}
		return nil, fmt.Errorf("etherscan error: %s", envelope.Message)
	}

	var transfers []tokenTransfer
	if err := json.Unmarshal(envelope.Result, &transfers); err != nil {
		return nil, fmt.Errorf("decode etherscan transfers: %w", err)
	}

	events := make([]*domain.ChainEvent, 0, len(transfers))
	for _, t := range transfers {
		e, err := c.toChainEvent(t)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (c *EtherscanClient) toChainEvent(t tokenTransfer) (*domain.ChainEvent, error) {
	blockNumber, err := strconv.ParseInt(t.BlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: parse block number %q: %w", t.Hash, t.BlockNumber, err)
	}
	timestampSec, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: parse timestamp %q: %w", t.Hash, t.TimeStamp, err)
	}
	tokenDecimal, err := strconv.ParseInt(t.TokenDecimal, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: parse token decimal %q: %w", t.Hash, t.TokenDecimal, err)
	}

	from := strings.ToLower(t.From)
	to := strings.ToLower(t.To)
	contract := strings.ToLower(t.ContractAddress)

	return &domain.ChainEvent{
		BlockNumber:      blockNumber,
		Timestamp:        timestampSec * 1000,
		TxHash:           strings.ToLower(t.Hash),
		Nonce:            parseIntOrZero(t.Nonce),
		BlockHash:        strings.ToLower(t.BlockHash),
		From:             from,
		To:               to,
		ContractAddress:  contract,
		Value:            t.Value,
		ValueAdjustment:  "0",
		TokenName:        t.TokenName,
		TokenSymbol:      t.TokenSymbol,
		TokenDecimal:     int32(tokenDecimal),
		TransactionIndex: int32(parseIntOrZero(t.TransactionIndex)),
		Gas:              parseIntOrZero(t.Gas),
		GasPrice:         t.GasPrice,
		GasUsed:          t.GasUsed,
		CumulativeGas:    t.CumulativeGasUsed,
		Confirmations:    parseIntOrZero(t.Confirmations),
		UniqueID:         idhash.ComputeChainEventID(t.Hash, from, to, contract),
	}, nil
}

// parseIntOrZero parses informational counters that may be missing on
// some Etherscan-compatible endpoints.
func parseIntOrZero(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
