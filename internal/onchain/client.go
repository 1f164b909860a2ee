package onchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/holiman/uint256"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/domain"
	"golang.org/x/time/rate"
)

// ErrUnavailable marks transient explorer failures (network errors, 5xx,
// throttling) that are safe to retry.
var ErrUnavailable = errors.New("chain explorer unavailable")

type ChainReader interface {
	MarketRecord(ctx context.Context, marketID uint64) (*MarketRecord, error)
	Balance(ctx context.Context, address string) (*uint256.Int, error)
	TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error)
	LatestHeight(ctx context.Context) (uint64, error)
}

// Client reads program mappings and transactions from an explorer REST API.
type Client struct {
	http                *resty.Client
	programID           string
	stablecoinProgramID string
	limiter             *rate.Limiter
}

type ClientOptions struct {
	ProgramID           string
	StablecoinProgramID string
	Timeout             time.Duration
	RequestsPerSecond   float64
	HTTPClient          *http.Client
}

func NewClient(cfg config.AleoConfig) *Client {
	return NewClientWithOptions(cfg.MappingBaseURL(), ClientOptions{
		ProgramID:           cfg.ProgramID,
		StablecoinProgramID: cfg.StablecoinProgramID,
		Timeout:             cfg.RequestTimeout,
		RequestsPerSecond:   cfg.RequestsPerSecond,
	})
}

// NewClientWithOptions takes the network-qualified base URL, for example
// https://api.explorer.provable.com/v1/testnet.
func NewClientWithOptions(baseURL string, opts ClientOptions) *Client {
	hc := resty.New()
	if opts.HTTPClient != nil {
		hc = resty.NewWithClient(opts.HTTPClient)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Client{
		http:                hc,
		programID:           opts.ProgramID,
		stablecoinProgramID: opts.StablecoinProgramID,
		limiter:             rate.NewLimiter(limit, 1),
	}
}

func (c *Client) get(ctx context.Context, path string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUnavailable, path, resp.StatusCode())
	}
	return resp, nil
}

// mappingValue returns the decoded mapping value, or ErrNotFound for an
// absent key. The explorer wraps values in a JSON string.
func (c *Client) mappingValue(ctx context.Context, program, mapping, key string) (string, error) {
	path := fmt.Sprintf("/program/%s/mapping/%s/%s", program, mapping, key)
	resp, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", domain.ErrNotFound
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode(), truncate(resp.String()))
	}
	return decodeMappingBody(resp.Body())
}

func decodeMappingBody(body []byte) (string, error) {
	raw := strings.TrimSpace(string(body))
	if raw == "" || raw == "null" {
		return "", domain.ErrNotFound
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", &ParseError{Field: "record", Value: truncate(raw), Reason: "is not a JSON string"}
		}
		raw = strings.TrimSpace(s)
		if raw == "" || raw == "null" {
			return "", domain.ErrNotFound
		}
	}
	return raw, nil
}

func (c *Client) MarketRecord(ctx context.Context, marketID uint64) (*MarketRecord, error) {
	raw, err := c.mappingValue(ctx, c.programID, "markets", U64Input(marketID))
	if err != nil {
		return nil, err
	}
	return ParseMarketRecord(raw)
}

// Balance returns the public stablecoin balance; an absent mapping entry is
// a zero balance.
func (c *Client) Balance(ctx context.Context, address string) (*uint256.Int, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	raw, err := c.mappingValue(ctx, c.stablecoinProgramID, "balances", address)
	if errors.Is(err, domain.ErrNotFound) {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := ParseU128Literal(raw)
	if err != nil {
		return nil, &ParseError{Field: "balance", Value: raw, Reason: "is not a u128 literal"}
	}
	return v, nil
}

type confirmedTransaction struct {
	Status string `json:"status"`
	Type   string `json:"type"`
	Error  string `json:"error"`
}

// TransactionStatus reports pending until the explorer knows the
// transaction as confirmed.
func (c *Client) TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error) {
	path := "/transaction/confirmed/" + url.PathEscape(txID)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &TransactionStatus{TxID: txID, State: TxPending}, nil
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode())
	}

	var body confirmedTransaction
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode confirmed transaction: %w", err)
	}
	switch strings.ToLower(body.Status) {
	case "accepted":
		return &TransactionStatus{TxID: txID, State: TxFinalized}, nil
	case "rejected", "aborted":
		reason := body.Error
		if reason == "" {
			reason = fmt.Sprintf("%s transaction %s", body.Type, strings.ToLower(body.Status))
		}
		return &TransactionStatus{TxID: txID, State: TxRejected, Reason: reason}, nil
	default:
		return &TransactionStatus{TxID: txID, State: TxPending}, nil
	}
}

func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	resp, err := c.get(ctx, "/block/height/latest")
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("latest height: unexpected status %d", resp.StatusCode())
	}
	h, err := strconv.ParseUint(strings.Trim(strings.TrimSpace(resp.String()), `"`), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("latest height: %w", err)
	}
	return h, nil
}
