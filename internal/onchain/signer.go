package onchain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrSignerRejected means the wallet declined to sign or broadcast.
var ErrSignerRejected = errors.New("signer rejected transaction")

// Submitter hands an unsigned transaction to a wallet and returns the
// broadcast transaction id.
type Submitter interface {
	Submit(ctx context.Context, tx *Transaction) (string, error)
}

// StatusSource reports where a submitted transaction stands.
type StatusSource interface {
	TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error)
}

// SignerClient talks to a wallet bridge that holds the keys. The backend
// never signs.
type SignerClient struct {
	http *resty.Client
}

func NewSignerClient(baseURL string, timeout time.Duration) *SignerClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SignerClient{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type submitResponse struct {
	TransactionID string `json:"transaction_id"`
	Error         string `json:"error"`
}

type signerStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *SignerClient) Submit(ctx context.Context, tx *Transaction) (string, error) {
	var out submitResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(tx).
		SetResult(&out).
		SetError(&out).
		Post("/transactions")
	if err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() >= 500 {
		return "", fmt.Errorf("%w: submit: status %d", ErrUnavailable, resp.StatusCode())
	}
	if !resp.IsSuccess() {
		msg := out.Error
		if msg == "" {
			msg = truncate(resp.String())
		}
		return "", fmt.Errorf("%w: %s", ErrSignerRejected, msg)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("signer returned no transaction id")
	}
	return out.TransactionID, nil
}

func (s *SignerClient) TransactionStatus(ctx context.Context, txID string) (*TransactionStatus, error) {
	var out signerStatusResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", txID).
		Get("/transactions/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: status: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &TransactionStatus{TxID: txID, State: TxPending}, nil
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status: %d", ErrUnavailable, resp.StatusCode())
	}
	return &TransactionStatus{TxID: txID, State: walletState(out.Status), Reason: out.Error}, nil
}

// walletState maps wallet-adapter status strings onto TxState.
func walletState(status string) TxState {
	switch strings.ToLower(status) {
	case "finalized", "completed", "accepted":
		return TxFinalized
	case "failed", "rejected", "aborted":
		return TxRejected
	default:
		return TxPending
	}
}
