package invoice

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// IDPrefix is the convention merchants use when embedding an invoice id in a
// transaction memo.
const IDPrefix = "INV-"

// Terms captures what a merchant expects to be paid for an invoice.
type Terms struct {
	Amount        float64 `json:"amount"`
	MerchantID    string  `json:"merchantId"`
	WalletAddress string  `json:"walletAddress"`
}

// Store persists invoice terms beyond process lifetime. Implementations must
// tolerate repeated writes for the same id.
type Store interface {
	PutInvoice(id string, terms Terms) error
	ListInvoices() (map[string]Terms, error)
}

// ErrEmptyID rejects registration without an invoice identifier.
var ErrEmptyID = errors.New("invoice: id required")

// Registry maps invoice identifiers to their expected payment terms. Writes
// come from the invoice-creation path, reads from the verifier; both may be
// concurrent.
type Registry struct {
	mu    sync.RWMutex
	terms map[string]Terms

	store  Store
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore attaches a persistence layer. Registrations are written through;
// existing rows are loaded by Seed.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithLogger overrides the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		terms:  make(map[string]Terms),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seed loads persisted invoices into the in-memory map. Call once at startup
// before serving traffic.
func (r *Registry) Seed() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.ListInvoices()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for id, terms := range stored {
		r.terms[id] = terms
	}
	r.mu.Unlock()
	if len(stored) > 0 {
		r.logger.Info("invoice registry seeded", "invoices", len(stored))
	}
	return nil
}

// Register upserts the terms for an invoice id. Last write wins. Validation of
// the terms themselves is the caller's responsibility.
func (r *Registry) Register(id string, terms Terms) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	r.mu.Lock()
	r.terms[id] = terms
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutInvoice(id, terms); err != nil {
			r.logger.Warn("invoice persistence failed", "invoice_id", id, "error", err)
		}
	}
	r.logger.Info("invoice registered", "invoice_id", id, "merchant_id", terms.MerchantID)
	return nil
}

// Lookup returns the terms registered for the id, if any.
func (r *Registry) Lookup(id string) (Terms, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	terms, ok := r.terms[strings.TrimSpace(id)]
	return terms, ok
}

// Len returns the number of registered invoices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terms)
}
