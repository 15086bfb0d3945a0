package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"payflow/internal/model"
	"payflow/internal/payerr"
	"payflow/internal/service"
	"payflow/internal/vendor"
)

type Handler struct {
	svc    service.PaymentService
	cipher vendor.Cipher
}

func NewHandler(svc service.PaymentService, cipher vendor.Cipher) *Handler {
	if cipher == nil {
		cipher = vendor.NoopCipher{}
	}
	return &Handler{svc: svc, cipher: cipher}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.Health)
	r.Post("/payin/qr", h.GenerateQR)
	r.Post("/payout", h.InitiatePayout)
	r.Post("/payout/verify-account", h.VerifyAccount)
	r.Get("/transactions/{id}", h.TransactionStatus)
	r.Post("/webhooks/vendor", h.VendorWebhook)
	r.Post("/users/{id}/wallets", h.OnboardUser)
	r.Get("/wallets/{id}/entries", h.WalletActivity)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.GenerateQR(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, res)
}

func (h *Handler) InitiatePayout(w http.ResponseWriter, r *http.Request) {
	var req service.InitiatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	txn, err := h.svc.InitiatePayout(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, txn)
}

func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	res, err := h.svc.VerifyAccount(r.Context(), req)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) TransactionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_transaction_id")
		return
	}
	txn, err := h.svc.TransactionStatus(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, txn)
}

func (h *Handler) OnboardUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}
	if err := h.svc.OnboardUser(r.Context(), userID); err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "provisioned"})
}

func (h *Handler) WalletActivity(w http.ResponseWriter, r *http.Request) {
	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_wallet_id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.WalletActivity(r.Context(), walletID, limit)
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// vendorWebhook is the decrypted shape the vendor posts on status change.
type vendorWebhook struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	VendorRef   string `json:"vendor_txn_id"`
}

// VendorWebhook ingests an encrypted vendor status update. The payload is
// decrypted, then resolved through the orchestrator's single transition
// path; re-delivery of a terminal update acks 200 without side effects.
func (h *Handler) VendorWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable_body")
		return
	}
	plain, err := h.cipher.Decrypt(r.Context(), raw)
	if err != nil {
		slog.Warn("webhook: decrypt failed", "error", err)
		h.respondError(w, http.StatusBadRequest, "undecryptable_payload")
		return
	}

	var hook vendorWebhook
	if err := json.Unmarshal(plain, &hook); err != nil || hook.ReferenceID == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	outcome := model.VendorOutcome(hook.Status)
	switch outcome {
	case model.VendorApproved, model.VendorRejected, model.VendorPending, model.VendorReversed:
	default:
		h.respondError(w, http.StatusBadRequest, "unknown_status")
		return
	}

	err = h.svc.ResolveByInternalRef(r.Context(), hook.ReferenceID, outcome, hook.VendorRef, plain)
	if err != nil && !errors.Is(err, payerr.ErrAlreadyResolved) {
		h.respondEngineError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) respondEngineError(w http.ResponseWriter, err error) {
	var e *payerr.Error
	if !errors.As(err, &e) {
		slog.Error("unhandled engine error", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case payerr.CodeInvalidAmount, payerr.CodeAmountBelowMin, payerr.CodeAmountExceedsMax:
		status = http.StatusBadRequest
	case payerr.CodeDuplicateRequest:
		status = http.StatusConflict
	case payerr.CodeInsufficientBalance, payerr.CodeNoApplicableCharge,
		payerr.CodeNoPayinScheme, payerr.CodeNoPayoutScheme, payerr.CodeNoApiConfig:
		status = http.StatusUnprocessableEntity
	case payerr.CodeWalletNotFound, payerr.CodeTransactionNotFound:
		status = http.StatusNotFound
	case payerr.CodeVendorTechnical:
		status = http.StatusBadGateway
	}

	h.respondJSON(w, status, map[string]string{
		"error_code": string(e.Code),
		"message":    e.Message,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
