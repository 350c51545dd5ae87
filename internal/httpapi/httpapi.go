// Package httpapi is the thin HTTP surface over internal/command and
// the read-model repositories, per spec.md §6. Grounded on the
// teacher's internal/auth handler/routes idiom: a net/http ServeMux
// with Go 1.22+ method+path patterns, respondJSON/respondError
// helpers, and errors mapped to HTTP status at this boundary only.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kmassidik/walletledger/internal/command"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/common/middleware"
	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/idempotency"
	"github.com/kmassidik/walletledger/internal/lock"
	"github.com/kmassidik/walletledger/internal/readmodel"
	"github.com/kmassidik/walletledger/internal/recovery"
	"github.com/kmassidik/walletledger/internal/wallet"
)

// Handler wires the command and query sides to HTTP.
type Handler struct {
	commands *command.Handlers
	wallets  *readmodel.WalletRepository
	ledger   *readmodel.LedgerRepository
	eventlog *eventlog.Store
	recovery *recovery.Service
	logger   *logger.Logger
}

func NewHandler(
	commands *command.Handlers,
	wallets *readmodel.WalletRepository,
	ledger *readmodel.LedgerRepository,
	eventlogStore *eventlog.Store,
	recoveryService *recovery.Service,
	log *logger.Logger,
) *Handler {
	return &Handler{
		commands: commands,
		wallets:  wallets,
		ledger:   ledger,
		eventlog: eventlogStore,
		recovery: recoveryService,
		logger:   log,
	}
}

// RegisterRoutes wires every route in spec.md §6 onto mux, plus the
// supplemented event-history, list, and recovery-stats routes from
// SPEC_FULL.md §10. authGate wraps every route except /health and
// /internal/recovery/stats.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, authGate func(http.Handler) http.Handler) {
	protect := func(f http.HandlerFunc) http.Handler { return authGate(f) }

	mux.Handle("POST /wallets", protect(h.createWallet))
	mux.Handle("POST /wallets/{id}/credit", protect(h.credit))
	mux.Handle("POST /wallets/{id}/debit", protect(h.debit))
	mux.Handle("POST /wallets/{id}/transfer", protect(h.transfer))
	mux.Handle("GET /wallets/{id}", protect(h.getWallet))
	mux.Handle("GET /wallets/{id}/events", protect(h.getWalletEvents))
	mux.Handle("GET /wallets/{id}/ledger", protect(h.getWalletLedger))
	mux.Handle("GET /wallets", protect(h.listWallets))

	mux.HandleFunc("GET /internal/recovery/stats", h.recoveryStats)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
}

type createWalletRequest struct {
	WalletID       string `json:"walletId"`
	OwnerID        string `json:"ownerId"`
	InitialBalance int64  `json:"initialBalance"`
}

func (h *Handler) createWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := h.commands.CreateWallet(r.Context(), command.CreateWalletRequest{
		WalletID:       req.WalletID,
		OwnerID:        req.OwnerID,
		InitialBalance: req.InitialBalance,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  h.correlationID(r),
	})
	if err != nil {
		h.respondCommandError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, snap)
}

type amountRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := h.commands.Credit(r.Context(), command.AmountRequest{
		WalletID:       r.PathValue("id"),
		AmountMinor:    req.Amount,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  h.correlationID(r),
	})
	if err != nil {
		h.respondCommandError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) debit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := h.commands.Debit(r.Context(), command.AmountRequest{
		WalletID:       r.PathValue("id"),
		AmountMinor:    req.Amount,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  h.correlationID(r),
	})
	if err != nil {
		h.respondCommandError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

type transferRequest struct {
	ToWalletID  string `json:"toWalletId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.commands.Transfer(r.Context(), command.TransferRequest{
		FromWalletID:   r.PathValue("id"),
		ToWalletID:     req.ToWalletID,
		AmountMinor:    req.Amount,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  h.correlationID(r),
	})
	if err != nil {
		h.respondCommandError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"fromWallet": result.From,
		"toWallet":   result.To,
	})
}

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	row, err := h.wallets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Errorf("failed to load wallet read row: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		h.respondError(w, http.StatusNotFound, "wallet not found")
		return
	}
	h.respondJSON(w, http.StatusOK, row)
}

func (h *Handler) getWalletEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.eventlog.ReadStream(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Errorf("failed to read wallet event stream: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respondJSON(w, http.StatusOK, events)
}

func (h *Handler) getWalletLedger(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	entries, err := h.ledger.ListByWallet(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		h.logger.Errorf("failed to list ledger entries: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) listWallets(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	wallets, err := h.wallets.List(r.Context(), r.URL.Query().Get("ownerId"), limit, offset)
	if err != nil {
		h.logger.Errorf("failed to list wallet read rows: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respondJSON(w, http.StatusOK, wallets)
}

func (h *Handler) recoveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.recovery.GetStats(r.Context())
	if err != nil {
		h.logger.Errorf("failed to compute recovery stats: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// respondCommandError maps the domain error taxonomy of spec.md §7 to
// HTTP status codes.
func (h *Handler) respondCommandError(w http.ResponseWriter, err error) {
	var invalidAmount *wallet.InvalidAmount
	var insufficientFunds *wallet.InsufficientFunds
	var notFound *wallet.WalletNotFound
	var alreadyExists *wallet.WalletAlreadyExists
	var conflictInProgress *idempotency.ConflictInProgress
	var keyReuse *idempotency.IdempotencyKeyReuse
	var concurrencyConflict *eventlog.ConcurrencyConflict

	switch {
	case errors.As(err, &invalidAmount):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficientFunds):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &alreadyExists):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &conflictInProgress):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &keyReuse):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &concurrencyConflict):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lock.ErrLockAcquisitionTimeout):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, command.ErrTransferSameWallet):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Errorf("command failed: %v", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// correlationID prefers the id the CorrelationID middleware stashed in
// the request context, falling back to the raw header for requests
// that reach a handler without that middleware in front of them.
func (h *Handler) correlationID(r *http.Request) string {
	if id, ok := middleware.GetCorrelationIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Correlation-Id")
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
