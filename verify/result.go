package verify

import (
	"time"

	"posgate/invoice"
)

// Status classifies the overall outcome of a verification attempt.
type Status string

const (
	// StatusVerified means every check passed and the payment was committed.
	StatusVerified Status = "verified"
	// StatusPending means the caller must resupply the request with inline
	// invoice terms before verification can complete.
	StatusPending Status = "pending"
	// StatusError covers all business rejections.
	StatusError Status = "error"
	// StatusHibernation means verification is globally suspended because no
	// blockchain data source is reachable.
	StatusHibernation Status = "hibernation"
)

// Code identifies the specific check that rejected a transaction. Business
// rejections are expected outcomes and travel in the result, never as errors.
type Code string

const (
	CodeReplayDetected   Code = "REPLAY_DETECTED"
	CodeMemoTooLong      Code = "MEMO_TOO_LONG"
	CodeInvalidMemo      Code = "INVALID_MEMO"
	CodeInvoiceNotFound  Code = "INVOICE_NOT_FOUND"
	CodeUnderpaid        Code = "UNDERPAID"
	CodeWrongRecipient   Code = "WRONG_RECIPIENT"
	CodeMerchantMismatch Code = "MERCHANT_MISMATCH"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
)

// Transaction is the inbound verification payload.
type Transaction struct {
	Memo            string         `json:"memo"`
	Amount          float64        `json:"amount"`
	MerchantID      string         `json:"merchant_id,omitempty"`
	TransactionHash string         `json:"transaction_hash,omitempty"`
	Recipient       string         `json:"recipient,omitempty"`
	InvoiceID       string         `json:"invoice_id,omitempty"`
	InvoiceData     *invoice.Terms `json:"invoice_data,omitempty"`
}

// Result is the tagged outcome of a verification attempt.
type Result struct {
	Status              Status  `json:"status"`
	Code                Code    `json:"error_code,omitempty"`
	Verified            bool    `json:"verified"`
	Message             string  `json:"message,omitempty"`
	TransactionID       string  `json:"transaction_id,omitempty"`
	InvoiceID           string  `json:"invoice_id,omitempty"`
	RequiresInvoiceData bool    `json:"requires_invoice_data,omitempty"`
	ExpectedAmount      float64 `json:"expected_amount,omitempty"`
	ReceivedAmount      float64 `json:"received_amount,omitempty"`
	Difference          float64 `json:"difference,omitempty"`
	AmountVerified      bool    `json:"amount_verified,omitempty"`
	RecipientVerified   bool    `json:"recipient_verified,omitempty"`
	ReplayProtected     bool    `json:"replay_protected,omitempty"`
}

// outcome labels the result for metrics.
func (r Result) outcome() string {
	if r.Code != "" {
		return string(r.Code)
	}
	return string(r.Status)
}

// VerifiedTransaction is the record retained for a committed payment.
type VerifiedTransaction struct {
	ID              string    `json:"id"`
	Memo            string    `json:"memo"`
	Amount          float64   `json:"amount"`
	MerchantID      string    `json:"merchant_id"`
	InvoiceID       string    `json:"invoice_id"`
	TransactionHash string    `json:"transaction_hash"`
	Recipient       string    `json:"recipient"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
}
