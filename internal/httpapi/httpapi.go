package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainpos/backend/internal/domain"
	"chainpos/backend/internal/engine"
	"chainpos/backend/internal/ledger"
	"chainpos/backend/internal/localstore"
	"chainpos/backend/internal/metrics"
	"chainpos/backend/internal/transfer"
	"chainpos/backend/internal/voucher"
)

type API struct {
	engine        *engine.Engine
	vouchers      *voucher.Sequencer
	transfers     *transfer.Manager
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(eng *engine.Engine, vouchers *voucher.Sequencer, transfers *transfer.Manager, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		engine:        eng,
		vouchers:      vouchers,
		transfers:     transfers,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "admin", "cashier"))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, "admin", "cashier"))
	mux.HandleFunc("/api/v1/sales/sync", a.requireAuth(a.handleSalesSync, "admin", "cashier"))
	mux.HandleFunc("/api/v1/sales/pull", a.requireAuth(a.handleSalesPull, "admin", "cashier"))
	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, "admin", "cashier"))
	mux.HandleFunc("/api/v1/purchases", a.requireAuth(a.handlePurchases, "admin"))
	mux.HandleFunc("/api/v1/vouchers/preview", a.requireAuth(a.handleVoucherPreview, "admin", "cashier"))
	mux.HandleFunc("/api/v1/vouchers/next", a.requireAuth(a.handleVoucherNext, "admin", "cashier"))

	mux.HandleFunc("/api/v1/transfers", a.requireAuth(a.handleTransferPropose, "admin"))
	mux.HandleFunc("/api/v1/transfers/incoming", a.requireAuth(a.handleTransfersIncoming, "admin", "cashier"))
	mux.HandleFunc("/api/v1/transfers/outgoing", a.requireAuth(a.handleTransfersOutgoing, "admin", "cashier"))
	mux.HandleFunc("/api/v1/transfers/unread", a.requireAuth(a.handleTransfersUnread, "admin", "cashier"))
	mux.HandleFunc("/api/v1/transfers/", a.requireAuth(a.handleTransferActions, "admin", "cashier"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// actorShop returns the authenticated shop id. Every operation is scoped to
// the caller's own shop; the only cross-shop surface is the transfer
// workflow, which checks parties itself.
func actorShop(r *http.Request) (string, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok || actor.ShopID == "" {
		return "", false
	}
	return actor.ShopID, true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		products, err := a.engine.GetProducts(r.Context(), shopID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPut:
		var tree domain.ProductTree
		if err := decodeJSON(r, &tree); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.engine.SaveProducts(r.Context(), shopID, tree); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		sales, err := a.engine.Sales(r.Context(), shopID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var sale domain.Sale
		if err := decodeJSON(r, &sale); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.engine.RecordSale(r.Context(), shopID, sale); err != nil {
			writeError(w, saleStatus(err), err)
			return
		}
		metrics.SalesRecorded.WithLabelValues(shopID).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{"voucher_no": sale.VoucherNo})
	default:
		writeMethodNotAllowed(w)
	}
}

func saleStatus(err error) int {
	switch {
	case errors.Is(err, localstore.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, localstore.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, localstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleSalesSync(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	result, err := a.engine.SyncPendingSales(r.Context(), shopID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSalesPull(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	result, err := a.engine.PullSales(r.Context(), shopID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		returns, err := a.engine.Returns(r.Context(), shopID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returns": returns})
	case http.MethodPost:
		var ret domain.ReturnRecord
		if err := decodeJSON(r, &ret); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.engine.RecordReturn(r.Context(), shopID, ret); err != nil {
			writeError(w, saleStatus(err), err)
			return
		}
		metrics.ReturnsRecorded.WithLabelValues(shopID).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{"voucher_no": ret.VoucherNo, "diff_amount": ret.DiffAmount})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		purchases, err := a.engine.Purchases(r.Context(), shopID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
	case http.MethodPost:
		var purchase domain.PurchaseRecord
		if err := decodeJSON(r, &purchase); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.engine.RecordPurchase(r.Context(), shopID, purchase); err != nil {
			writeError(w, saleStatus(err), err)
			return
		}
		metrics.PurchasesRecorded.WithLabelValues(shopID).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{"invoice_no": purchase.InvoiceNo})
	default:
		writeMethodNotAllowed(w)
	}
}

func voucherKind(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sale", "global":
		return voucher.KindSale, nil
	case "return", "returns":
		return voucher.KindReturn, nil
	case "purchase", "purchases":
		return voucher.KindPurchase, nil
	default:
		return "", errors.New("unknown voucher kind")
	}
}

func (a *API) handleVoucherPreview(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	kind, err := voucherKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	no, err := a.vouchers.Preview(r.Context(), shopID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.VoucherPreviewResponse{Shop: shopID, Kind: kind, VoucherNo: no})
}

func (a *API) handleVoucherNext(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	kind, err := voucherKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	no, err := a.vouchers.Next(r.Context(), shopID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.VoucherPreviewResponse{Shop: shopID, Kind: kind, VoucherNo: no})
}

func (a *API) handleTransferPropose(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.TransferProposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.From == "" {
		req.From = shopID
	}
	if req.From != shopID {
		writeError(w, http.StatusForbidden, errors.New("cannot propose a transfer for another shop"))
		return
	}

	entry, err := a.transfers.Propose(r.Context(), req)
	if err != nil {
		writeError(w, transferStatus(err), err)
		return
	}
	metrics.TransferActions.WithLabelValues("propose").Inc()
	writeJSON(w, http.StatusCreated, map[string]any{"transfer": entry})
}

func transferStatus(err error) int {
	switch {
	case errors.Is(err, localstore.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, localstore.ErrInsufficientStock), errors.Is(err, transfer.ErrLineResolved):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrBadLine):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleTransfersIncoming(w http.ResponseWriter, r *http.Request) {
	a.handleTransferList(w, r, a.transfers.Incoming)
}

func (a *API) handleTransfersOutgoing(w http.ResponseWriter, r *http.Request) {
	a.handleTransferList(w, r, a.transfers.Outgoing)
}

func (a *API) handleTransferList(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, shopID string) ([]domain.TransferLog, error)) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	transfers, err := list(r.Context(), shopID)
	if err != nil {
		writeError(w, transferStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

func (a *API) handleTransfersUnread(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	count, err := a.transfers.UnreadCount(r.Context(), shopID)
	if err != nil {
		writeError(w, transferStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": count})
}

// handleTransferActions routes /api/v1/transfers/{id}/accept, /{id}/cancel
// and /{id}/seen.
func (a *API) handleTransferActions(w http.ResponseWriter, r *http.Request) {
	shopID, ok := actorShop(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("missing shop"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/transfers/"
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	parts := strings.Split(tail, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, errors.New("invalid transfer action path"))
		return
	}
	logID, action := parts[0], parts[1]

	switch action {
	case "seen":
		if err := a.transfers.MarkSeen(r.Context(), shopID, logID); err != nil {
			writeError(w, transferStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "accept", "cancel":
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown transfer action"))
		return
	}

	var req domain.TransferActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var entry domain.TransferLog
	var err error
	if action == "accept" {
		entry, err = a.transfers.Accept(r.Context(), shopID, logID, req.LineIndex)
	} else {
		entry, err = a.transfers.Cancel(r.Context(), shopID, logID, req.LineIndex)
	}
	if err != nil {
		writeError(w, transferStatus(err), err)
		return
	}
	metrics.TransferActions.WithLabelValues(action).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"transfer": entry})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	instrumented := metrics.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		instrumented.ServeHTTP(w, r)
		log.Printf("%s %s %s %s", requestID, r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log; the client gets a generic message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
