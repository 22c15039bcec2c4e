package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"posgate/invoice"
	"posgate/notify"
	"posgate/observability"
)

// AmountTolerance absorbs float rounding in the currency's base unit.
// Underpayment beyond it rejects; overpayment is accepted deliberately.
const AmountTolerance = 1e-7

// DefaultPendingCap bounds the in-memory verified-transactions table. The
// oldest entries are evicted beyond it.
const DefaultPendingCap = 4096

const recordTimeout = 5 * time.Second

// HibernationGate exposes the selector's hibernation flag to the verifier.
type HibernationGate interface {
	Hibernating() bool
}

// Recorder persists committed payments for audit. Failures are logged, never
// surfaced to verification callers.
type Recorder interface {
	RecordVerified(ctx context.Context, tx VerifiedTransaction) error
}

// Verifier runs the anti-fraud verification pipeline. It owns the replay
// ledger and the pending-transactions table and is safe for concurrent use.
type Verifier struct {
	gate     HibernationGate
	registry *invoice.Registry
	ledger   *ReplayLedger
	sink     notify.Sink
	recorder Recorder
	logger   *slog.Logger
	metrics  *observability.VerifierMetrics
	now      func() time.Time

	mu           sync.Mutex
	pending      map[string]VerifiedTransaction
	pendingOrder []string
	pendingCap   int
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithSink attaches the notification sink invoked on committed payments.
func WithSink(sink notify.Sink) VerifierOption {
	return func(v *Verifier) { v.sink = sink }
}

// WithRecorder attaches the audit recorder invoked on committed payments.
func WithRecorder(recorder Recorder) VerifierOption {
	return func(v *Verifier) { v.recorder = recorder }
}

// WithVerifierLogger overrides the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithPendingCap overrides the pending-table size bound.
func WithPendingCap(cap int) VerifierOption {
	return func(v *Verifier) { v.pendingCap = cap }
}

// NewVerifier constructs a verifier over the supplied gate and registry.
func NewVerifier(gate HibernationGate, registry *invoice.Registry, ledger *ReplayLedger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		gate:       gate,
		registry:   registry,
		ledger:     ledger,
		logger:     slog.Default(),
		metrics:    observability.Verifier(),
		now:        time.Now,
		pending:    make(map[string]VerifiedTransaction),
		pendingCap: DefaultPendingCap,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.ledger == nil {
		v.ledger = NewReplayLedger()
	}
	if v.pendingCap <= 0 {
		v.pendingCap = DefaultPendingCap
	}
	return v
}

// RegisterInvoice records the expected terms for an invoice.
func (v *Verifier) RegisterInvoice(id string, terms invoice.Terms) error {
	return v.registry.Register(id, terms)
}

// UsedTransactionCount reports how many hashes the replay ledger retains.
func (v *Verifier) UsedTransactionCount() int {
	return v.ledger.Len()
}

// PendingTransactions returns a snapshot of the verified-transactions table.
func (v *Verifier) PendingTransactions() map[string]VerifiedTransaction {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]VerifiedTransaction, len(v.pending))
	for id, tx := range v.pending {
		out[id] = tx
	}
	return out
}

// Verify runs the pipeline in strict order. The first failing check
// short-circuits with a tagged result and leaves no partial side effects.
// Ordering is a security property: the replay check runs before any
// business-logic check, and the memo format check before invoice lookup.
func (v *Verifier) Verify(ctx context.Context, tx Transaction) Result {
	result := v.verify(ctx, tx)
	v.metrics.ObserveVerification(result.outcome())
	return result
}

func (v *Verifier) verify(ctx context.Context, tx Transaction) Result {
	if v.gate != nil && v.gate.Hibernating() {
		return Result{
			Status:  StatusHibernation,
			Message: "blockchain service is in hibernation mode, payments paused",
		}
	}

	memo := strings.TrimSpace(tx.Memo)
	txHash := strings.TrimSpace(tx.TransactionHash)
	recipient := strings.TrimSpace(tx.Recipient)
	merchantID := strings.TrimSpace(tx.MerchantID)

	if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) || tx.Amount < 0 {
		return Result{
			Status:  StatusError,
			Code:    CodeInvalidRequest,
			Message: "transaction amount is not a valid non-negative number",
		}
	}

	if txHash != "" && v.ledger.Seen(txHash) {
		v.logger.Warn("replay attack detected", "transaction_hash", txHash)
		return Result{
			Status:  StatusError,
			Code:    CodeReplayDetected,
			Message: "this transaction has already been processed, replay attack prevented",
		}
	}

	if ok, byteLen := ValidateMemo(memo); !ok {
		return Result{
			Status:  StatusError,
			Code:    CodeMemoTooLong,
			Message: fmt.Sprintf("memo exceeds %d bytes limit: %d bytes", MaxMemoBytes, byteLen),
		}
	}

	invoiceID := strings.TrimSpace(tx.InvoiceID)
	if strings.HasPrefix(memo, invoice.IDPrefix) {
		invoiceID = memo
	}
	if invoiceID == "" {
		return Result{
			Status:  StatusError,
			Code:    CodeInvalidMemo,
			Message: "invoice id not found in memo",
		}
	}

	var terms invoice.Terms
	if tx.InvoiceData != nil {
		terms = *tx.InvoiceData
	} else {
		var ok bool
		terms, ok = v.registry.Lookup(invoiceID)
		if !ok {
			return Result{
				Status:              StatusPending,
				Code:                CodeInvoiceNotFound,
				Message:             fmt.Sprintf("invoice %s not found, please provide invoice data", invoiceID),
				InvoiceID:           invoiceID,
				RequiresInvoiceData: true,
			}
		}
	}

	if tx.Amount < terms.Amount-AmountTolerance {
		v.logger.Warn("underpaid transaction",
			"invoice_id", invoiceID, "expected", terms.Amount, "received", tx.Amount)
		return Result{
			Status:         StatusError,
			Code:           CodeUnderpaid,
			Message:        fmt.Sprintf("payment amount (%v) is less than invoice amount (%v)", tx.Amount, terms.Amount),
			InvoiceID:      invoiceID,
			ExpectedAmount: terms.Amount,
			ReceivedAmount: tx.Amount,
			Difference:     terms.Amount - tx.Amount,
		}
	}
	if diff := math.Abs(tx.Amount - terms.Amount); diff > AmountTolerance {
		// Overpayment is accepted as a deliberate leniency policy.
		v.logger.Warn("amount mismatch, accepting overpayment",
			"invoice_id", invoiceID, "expected", terms.Amount, "received", tx.Amount, "difference", diff)
	}

	if recipient != "" && terms.WalletAddress != "" &&
		!strings.EqualFold(recipient, terms.WalletAddress) {
		v.logger.Warn("wrong recipient",
			"invoice_id", invoiceID, "recipient", recipient, "merchant_wallet", terms.WalletAddress)
		return Result{
			Status:    StatusError,
			Code:      CodeWrongRecipient,
			Message:   fmt.Sprintf("transaction recipient (%s) does not match merchant wallet (%s)", recipient, terms.WalletAddress),
			InvoiceID: invoiceID,
		}
	}

	if merchantID != "" && terms.MerchantID != "" && merchantID != terms.MerchantID {
		v.logger.Warn("merchant mismatch",
			"invoice_id", invoiceID, "merchant_id", merchantID, "expected_merchant_id", terms.MerchantID)
		return Result{
			Status:    StatusError,
			Code:      CodeMerchantMismatch,
			Message:   "transaction merchant id does not match invoice merchant",
			InvoiceID: invoiceID,
		}
	}

	// Commit. Consume is the authoritative anti-replay point: of two
	// concurrent verifications carrying the same hash, exactly one wins.
	if txHash != "" {
		if !v.ledger.Consume(txHash) {
			v.logger.Warn("replay attack detected at commit", "transaction_hash", txHash)
			return Result{
				Status:  StatusError,
				Code:    CodeReplayDetected,
				Message: "this transaction has already been processed, replay attack prevented",
			}
		}
		v.metrics.SetReplayLedgerSize(v.ledger.Len())
	}

	now := v.now()
	record := VerifiedTransaction{
		ID:              fmt.Sprintf("%s_%s_%d", merchantID, invoiceID, now.Unix()),
		Memo:            memo,
		Amount:          tx.Amount,
		MerchantID:      merchantID,
		InvoiceID:       invoiceID,
		TransactionHash: txHash,
		Recipient:       recipient,
		Timestamp:       now,
		Status:          string(StatusVerified),
	}
	v.storePending(record)

	v.logger.Info("transaction verified",
		"invoice_id", invoiceID, "amount", tx.Amount, "transaction_hash", txHash)
	v.announce(record)

	return Result{
		Status:            StatusVerified,
		Verified:          true,
		Message:           "transaction verified successfully",
		TransactionID:     record.ID,
		InvoiceID:         invoiceID,
		AmountVerified:    true,
		RecipientVerified: true,
		ReplayProtected:   true,
	}
}

func (v *Verifier) storePending(record VerifiedTransaction) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.pending[record.ID]; !exists {
		v.pendingOrder = append(v.pendingOrder, record.ID)
	}
	v.pending[record.ID] = record
	for len(v.pendingOrder) > v.pendingCap {
		oldest := v.pendingOrder[0]
		v.pendingOrder = v.pendingOrder[1:]
		delete(v.pending, oldest)
	}
}

// announce emits the payment-confirmed event and audit record without tying
// the verification result to their delivery.
func (v *Verifier) announce(record VerifiedTransaction) {
	event := notify.Event{
		Type:      notify.EventTypePaymentConfirmed,
		InvoiceID: record.InvoiceID,
		Status:    "paid",
		Amount:    record.Amount,
		TxHash:    record.TransactionHash,
		Timestamp: record.Timestamp.UTC().Format(time.RFC3339),
		Message:   "payment confirmed successfully",
	}
	go func() {
		if v.sink != nil {
			v.sink.Broadcast(record.MerchantID, event)
		}
		if v.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := v.recorder.RecordVerified(ctx, record); err != nil {
				v.logger.Warn("failed to record verified payment", "transaction_id", record.ID, "error", err)
			}
		}
	}()
}
