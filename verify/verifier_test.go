package verify

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"posgate/invoice"
	"posgate/notify"
)

type stubGate struct{ hibernating bool }

func (g *stubGate) Hibernating() bool { return g.hibernating }

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
	seen   chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{seen: make(chan struct{}, 16)}
}

func (s *captureSink) Broadcast(merchantID string, event notify.Event) {
	s.mu.Lock()
	event.MerchantID = merchantID
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.seen <- struct{}{}
}

func (s *captureSink) wait(t *testing.T) notify.Event {
	t.Helper()
	select {
	case <-s.seen:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type captureRecorder struct {
	mu      sync.Mutex
	records []VerifiedTransaction
	err     error
	seen    chan struct{}
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{seen: make(chan struct{}, 16)}
}

func (r *captureRecorder) RecordVerified(ctx context.Context, tx VerifiedTransaction) error {
	r.mu.Lock()
	r.records = append(r.records, tx)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return r.err
}

func newTestVerifier(t *testing.T, opts ...VerifierOption) (*Verifier, *stubGate, *invoice.Registry) {
	t.Helper()
	gate := &stubGate{}
	registry := invoice.NewRegistry()
	v := NewVerifier(gate, registry, NewReplayLedger(), opts...)
	return v, gate, registry
}

func TestVerifyHappyPathThenReplay(t *testing.T) {
	sink := newCaptureSink()
	v, _, registry := newTestVerifier(t, WithSink(sink))
	if err := registry.Register("INV-1", invoice.Terms{Amount: 10.0, MerchantID: "m1", WalletAddress: "W1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	tx := Transaction{
		Memo:            "INV-1",
		Amount:          10.0,
		MerchantID:      "m1",
		Recipient:       "W1",
		TransactionHash: "h1",
	}
	res := v.Verify(context.Background(), tx)
	if !res.Verified || res.Status != StatusVerified {
		t.Fatalf("expected verified, got %+v", res)
	}
	if !res.AmountVerified || !res.RecipientVerified || !res.ReplayProtected {
		t.Fatalf("expected all check flags set, got %+v", res)
	}
	if res.InvoiceID != "INV-1" || res.TransactionID == "" {
		t.Fatalf("expected invoice and transaction ids, got %+v", res)
	}

	ev := sink.wait(t)
	if ev.Type != notify.EventTypePaymentConfirmed || ev.InvoiceID != "INV-1" || ev.MerchantID != "m1" {
		t.Fatalf("unexpected notification: %+v", ev)
	}

	// Identical payload must be rejected forever after.
	for i := 0; i < 3; i++ {
		replay := v.Verify(context.Background(), tx)
		if replay.Code != CodeReplayDetected || replay.Verified {
			t.Fatalf("expected replay rejection, got %+v", replay)
		}
	}
	if v.UsedTransactionCount() != 1 {
		t.Fatalf("expected one consumed hash, got %d", v.UsedTransactionCount())
	}
}

func TestVerifyHibernationGate(t *testing.T) {
	v, gate, registry := newTestVerifier(t)
	if err := registry.Register("INV-1", invoice.Terms{Amount: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	gate.hibernating = true

	res := v.Verify(context.Background(), Transaction{Memo: "INV-1", Amount: 1, TransactionHash: "h1"})
	if res.Status != StatusHibernation || res.Verified {
		t.Fatalf("expected hibernation status, got %+v", res)
	}
	// Nothing recorded while hibernating.
	if v.UsedTransactionCount() != 0 || len(v.PendingTransactions()) != 0 {
		t.Fatalf("expected no side effects during hibernation")
	}
}

func TestVerifyMemoTooLong(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	memo := "INV-" + strings.Repeat("X", 25) // 29 bytes
	res := v.Verify(context.Background(), Transaction{Memo: memo, Amount: 1})
	if res.Code != CodeMemoTooLong {
		t.Fatalf("expected MEMO_TOO_LONG, got %+v", res)
	}
	if !strings.Contains(res.Message, "29") {
		t.Fatalf("expected byte count in message, got %q", res.Message)
	}
}

func TestVerifyInvoiceIdentityResolution(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-7", invoice.Terms{Amount: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("memo prefix wins", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-7", Amount: 2, InvoiceID: "ignored"})
		if !res.Verified || res.InvoiceID != "INV-7" {
			t.Fatalf("expected memo-derived invoice id, got %+v", res)
		}
	})

	t.Run("explicit field fallback", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "", Amount: 2, InvoiceID: "INV-7"})
		if !res.Verified || res.InvoiceID != "INV-7" {
			t.Fatalf("expected explicit invoice id fallback, got %+v", res)
		}
	})

	t.Run("no invoice id", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "thanks", Amount: 2})
		if res.Code != CodeInvalidMemo {
			t.Fatalf("expected INVALID_MEMO, got %+v", res)
		}
	})
}

func TestVerifyInvoiceNotFound(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	res := v.Verify(context.Background(), Transaction{Memo: "INV-2", Amount: 5.0, TransactionHash: "h2"})
	if res.Status != StatusPending || res.Code != CodeInvoiceNotFound {
		t.Fatalf("expected pending INVOICE_NOT_FOUND, got %+v", res)
	}
	if !res.RequiresInvoiceData {
		t.Fatalf("expected requires_invoice_data flag")
	}
	// A soft miss must not consume the hash.
	if v.UsedTransactionCount() != 0 {
		t.Fatalf("expected hash unconsumed after soft miss")
	}
}

func TestVerifyInlineInvoiceDataOverridesRegistry(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-3", invoice.Terms{Amount: 100, MerchantID: "m1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := v.Verify(context.Background(), Transaction{
		Memo:        "INV-3",
		Amount:      5,
		InvoiceData: &invoice.Terms{Amount: 5, MerchantID: "m1"},
	})
	if !res.Verified {
		t.Fatalf("expected inline terms to override registry, got %+v", res)
	}
}

func TestVerifyAmountChecks(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-4", invoice.Terms{Amount: 10.0}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("underpaid", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-4", Amount: 9.5})
		if res.Code != CodeUnderpaid {
			t.Fatalf("expected UNDERPAID, got %+v", res)
		}
		if res.ExpectedAmount != 10.0 || res.ReceivedAmount != 9.5 || math.Abs(res.Difference-0.5) > 1e-9 {
			t.Fatalf("unexpected amount metadata: %+v", res)
		}
	})

	t.Run("within tolerance", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-4", Amount: 10.0 - 5e-8})
		if !res.Verified {
			t.Fatalf("expected tolerance to absorb rounding, got %+v", res)
		}
	})

	t.Run("just under tolerance", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-4", Amount: 10.0 - 2e-7})
		if res.Code != CodeUnderpaid {
			t.Fatalf("expected UNDERPAID just past tolerance, got %+v", res)
		}
	})

	t.Run("overpayment accepted", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-4", Amount: 12.0})
		if !res.Verified {
			t.Fatalf("expected overpayment accepted, got %+v", res)
		}
	})
}

func TestVerifyRecipientCheck(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-5", invoice.Terms{Amount: 1, WalletAddress: "WalletABC"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("case-insensitive match", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-5", Amount: 1, Recipient: "walletabc"})
		if !res.Verified {
			t.Fatalf("expected case-insensitive recipient match, got %+v", res)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-5", Amount: 1, Recipient: "WalletXYZ"})
		if res.Code != CodeWrongRecipient {
			t.Fatalf("expected WRONG_RECIPIENT, got %+v", res)
		}
	})

	t.Run("skipped when either side absent", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-5", Amount: 1})
		if !res.Verified {
			t.Fatalf("expected check skipped without recipient, got %+v", res)
		}
	})
}

func TestVerifyMerchantCheck(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-6", invoice.Terms{Amount: 1, MerchantID: "Merchant1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Run("exact match required", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-6", Amount: 1, MerchantID: "merchant1"})
		if res.Code != CodeMerchantMismatch {
			t.Fatalf("expected case-sensitive MERCHANT_MISMATCH, got %+v", res)
		}
	})

	t.Run("match passes", func(t *testing.T) {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-6", Amount: 1, MerchantID: "Merchant1"})
		if !res.Verified {
			t.Fatalf("expected merchant match, got %+v", res)
		}
	})
}

func TestVerifyInvalidAmount(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	for _, amount := range []float64{math.NaN(), math.Inf(1), -1} {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-1", Amount: amount})
		if res.Code != CodeInvalidRequest {
			t.Fatalf("expected INVALID_REQUEST for %v, got %+v", amount, res)
		}
	}
}

func TestVerifyWithoutHashSkipsReplayProtection(t *testing.T) {
	v, _, registry := newTestVerifier(t)
	if err := registry.Register("INV-8", invoice.Terms{Amount: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tx := Transaction{Memo: "INV-8", Amount: 1}
	if res := v.Verify(context.Background(), tx); !res.Verified {
		t.Fatalf("first verify: %+v", res)
	}
	if res := v.Verify(context.Background(), tx); !res.Verified {
		t.Fatalf("expected hash-less resubmission to pass, got %+v", res)
	}
	if v.UsedTransactionCount() != 0 {
		t.Fatalf("expected empty ledger without hashes")
	}
}

func TestVerifyRecordsAudit(t *testing.T) {
	recorder := newCaptureRecorder()
	v, _, registry := newTestVerifier(t, WithRecorder(recorder))
	if err := registry.Register("INV-9", invoice.Terms{Amount: 3, MerchantID: "m9"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := v.Verify(context.Background(), Transaction{Memo: "INV-9", Amount: 3, MerchantID: "m9", TransactionHash: "h9"})
	if !res.Verified {
		t.Fatalf("verify: %+v", res)
	}
	select {
	case <-recorder.seen:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for audit record")
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.records) != 1 || recorder.records[0].InvoiceID != "INV-9" {
		t.Fatalf("unexpected audit records: %+v", recorder.records)
	}
}

func TestPendingTableCap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	counter := 0
	clock := func() time.Time {
		counter++
		return now.Add(time.Duration(counter) * time.Second)
	}
	v, _, registry := newTestVerifier(t, WithPendingCap(3), WithClock(clock))
	if err := registry.Register("INV-10", invoice.Terms{Amount: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 5; i++ {
		res := v.Verify(context.Background(), Transaction{Memo: "INV-10", Amount: 1, MerchantID: "m1"})
		if !res.Verified {
			t.Fatalf("verify %d: %+v", i, res)
		}
	}
	if got := len(v.PendingTransactions()); got != 3 {
		t.Fatalf("expected capped pending table of 3, got %d", got)
	}
}
