package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"posgate/chain"
	"posgate/invoice"
	"posgate/notify"
	"posgate/verify"
)

// StatusSource exposes the selector state to status queries.
type StatusSource interface {
	Status() chain.Status
}

// Server is the HTTP surface over the verification core. Verification
// semantics live entirely in the verify package; handlers only translate
// between HTTP and the tagged results.
type Server struct {
	verifier *verify.Verifier
	source   StatusSource
	hub      *notify.Hub
	logger   *slog.Logger
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs the router over the supplied components.
func New(verifier *verify.Verifier, source StatusSource, hub *notify.Hub, opts ...Option) *Server {
	s := &Server{
		verifier: verifier,
		source:   source,
		hub:      hub,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/invoices", s.handleRegisterInvoice)
		v1.Post("/transactions/verify", s.handleVerify)
		v1.Get("/transactions", s.handlePendingTransactions)
		v1.Get("/status", s.handleStatus)
		v1.Get("/notifications/ws", s.handleNotificationsWS)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := uuid.NewString()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(started).String(),
		)
	})
}

type registerInvoiceRequest struct {
	InvoiceID     string  `json:"invoice_id"`
	Amount        float64 `json:"amount"`
	MerchantID    string  `json:"merchantId"`
	WalletAddress string  `json:"walletAddress"`
}

func (s *Server) handleRegisterInvoice(w http.ResponseWriter, r *http.Request) {
	var req registerInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	terms := invoice.Terms{
		Amount:        req.Amount,
		MerchantID:    req.MerchantID,
		WalletAddress: req.WalletAddress,
	}
	if err := s.verifier.RegisterInvoice(req.InvoiceID, terms); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "registered",
		"invoice_id": req.InvoiceID,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var tx verify.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result := s.verifier.Verify(r.Context(), tx)

	// Business rejections are data, not transport errors: they return 200
	// with the tagged result so upstream systems can inspect the code.
	status := http.StatusOK
	switch {
	case result.Status == verify.StatusHibernation:
		status = http.StatusServiceUnavailable
	case result.Code == verify.CodeInvalidRequest:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePendingTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.verifier.PendingTransactions(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":              st.Mode,
		"hibernating":       st.Hibernating,
		"used_transactions": s.verifier.UsedTransactionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
