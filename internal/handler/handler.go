package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/auth"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	service "github.com/honeynil/ZenLearnPayments/internal/services"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	payments   service.PaymentService
	reconciler service.Reconciler
	ledger     service.LedgerService
	notifier   service.NotificationService
}

func NewHandler(
	payments service.PaymentService,
	reconciler service.Reconciler,
	ledger service.LedgerService,
	notifier service.NotificationService,
) *Handler {
	return &Handler{
		payments:   payments,
		reconciler: reconciler,
		ledger:     ledger,
		notifier:   notifier,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	pkgerrors.CodeNotFound:            http.StatusNotFound,
	pkgerrors.CodeInvalidTransition:   http.StatusConflict,
	pkgerrors.CodeInvalidState:        http.StatusConflict,
	pkgerrors.CodeInsufficientBalance: http.StatusUnprocessableEntity,
	pkgerrors.CodeGatewayUnavailable:  http.StatusServiceUnavailable,
	pkgerrors.CodeRefundRejected:      http.StatusBadGateway,
	pkgerrors.CodeAuthFailure:         http.StatusUnauthorized,
	pkgerrors.CodeForbidden:           http.StatusForbidden,
	pkgerrors.CodeInvalidInput:        http.StatusBadRequest,
	pkgerrors.CodeConflict:            http.StatusConflict,
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := pkgerrors.Code(err)
	status, ok := statusByCode[code]
	msg := err.Error()
	if !ok {
		status = http.StatusInternalServerError
		msg = "internal error"
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) RegisterWebhookRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/xendit", h.Webhook).Methods("POST")
}

func (h *Handler) RegisterUserRoutes(r *mux.Router) {
	r.HandleFunc("/payments", h.CreatePayment).Methods("POST")
	r.HandleFunc("/payments", h.ListPayments).Methods("GET")
	r.HandleFunc("/payments/{id:[0-9]+}", h.GetPayment).Methods("GET")
	r.HandleFunc("/coins/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/coins/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/coins/spend", h.SpendCoins).Methods("POST")
	r.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/notifications/{id:[0-9]+}/read", h.MarkNotificationRead).Methods("POST")
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/payments/{id:[0-9]+}/logs", h.PaymentLogs).Methods("GET")
	r.HandleFunc("/payments/{id:[0-9]+}/status", h.UpdatePaymentStatus).Methods("PUT")
	r.HandleFunc("/payments/{id:[0-9]+}/refund", h.RefundPayment).Methods("POST")
	r.HandleFunc("/payments/{id:[0-9]+}/reconcile", h.ReconcilePayment).Methods("POST")
	r.HandleFunc("/admin/coins/refund", h.AdminRefundCoins).Methods("POST")
	r.HandleFunc("/admin/coins/{user_id:[0-9]+}/verify", h.VerifyBalance).Methods("GET")
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.ErrInvalidInput
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

// Webhook answers 200 unless the callback token is wrong or the update could not be stored.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, r, errors.Join(pkgerrors.ErrInvalidInput, err))
		return
	}
	if err := h.reconciler.HandleWebhook(r.Context(), r.Header, body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req struct {
		ProductID int64                `json:"product_id"`
		Method    models.PaymentMethod `json:"payment_method"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ProductID <= 0 || !req.Method.Valid() {
		h.writeError(w, r, errors.Join(pkgerrors.ErrInvalidInput, errors.New("product_id and a valid payment_method are required")))
		return
	}

	p, err := h.payments.Purchase(r.Context(), userID, req.ProductID, req.Method)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	list, err := h.payments.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Payment{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if p.UserID != claims.UserID && !claims.IsAdmin() {
		// Other users' payments are reported as missing.
		h.writeError(w, r, pkgerrors.ErrPaymentNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) PaymentLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logs, err := h.payments.StatusLogs(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.PaymentStatusLog{}
	}
	h.writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Status     models.PaymentStatus `json:"status"`
		AdminNotes string               `json:"admin_notes"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	adminID, _ := auth.UserIDFromContext(r.Context())
	p, err := h.reconciler.UpdateStatus(r.Context(), id, req.Status, req.AdminNotes, adminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
		Amount *int64 `json:"amount,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var amount int64
	if req.Amount != nil {
		if *req.Amount <= 0 {
			h.writeError(w, r, pkgerrors.ErrInvalidAmount)
			return
		}
		amount = *req.Amount
	}

	adminID, _ := auth.UserIDFromContext(r.Context())
	p, err := h.reconciler.Refund(r.Context(), id, amount, req.Reason, adminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.GetHistory(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) SpendCoins(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req struct {
		ProductID int64  `json:"product_id"`
		RequestID string `json:"request_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.RequestID == "" {
		h.writeError(w, r, errors.Join(pkgerrors.ErrInvalidInput, errors.New("request_id is required")))
		return
	}

	entry, err := h.ledger.SpendOnProduct(r.Context(), userID, req.ProductID, req.RequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) AdminRefundCoins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	adminID, _ := auth.UserIDFromContext(r.Context())
	slog.Info("admin coin refund", "admin_id", adminID, "user_id", req.UserID, "amount", req.Amount)
	entry, err := h.ledger.Refund(r.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "user_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.ledger.Verify(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	list, err := h.notifier.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := h.notifier.MarkRead(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
