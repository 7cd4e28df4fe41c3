// Package handler содержит HTTP-обработчики API кошелькового сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/deposit"
	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/mmeshcher/wallet-system/internal/reconcile"
	"github.com/mmeshcher/wallet-system/internal/repository"
	"github.com/mmeshcher/wallet-system/internal/wallet"
)

// WalletService определяет контракт кошелькового сервиса, используемый обработчиками.
type WalletService interface {
	Withdraw(ctx context.Context, ownerID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error)
	Purchase(ctx context.Context, ownerID string, orderID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error)
	Refund(ctx context.Context, ownerID string, orderID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error)
	Freeze(ctx context.Context, ownerID string) error
	Unfreeze(ctx context.Context, ownerID string) error
	GetBalance(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetStats(ctx context.Context, ownerID string) (*model.WalletStats, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]model.WalletTransaction, error)
	VerifyBalance(ctx context.Context, ownerID string) (*wallet.Audit, error)
}

// DepositService определяет контракт инициации пополнений.
type DepositService interface {
	Initiate(ctx context.Context, ownerID string, amount int64, method model.PaymentMethod, description string) (*deposit.Outcome, error)
}

// Reconciler определяет контракт движка сверки уведомлений.
type Reconciler interface {
	Resolve(ctx context.Context, n *gateway.Notification) (*reconcile.Result, error)
}

// Handler реализует HTTP-обработчики API кошелькового сервиса.
type Handler struct {
	wallets    WalletService
	deposits   DepositService
	reconciler Reconciler
	gateways   *gateway.Registry
	logger     *zap.Logger
	bankAPIKey string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(wallets WalletService, deposits DepositService, reconciler Reconciler, gateways *gateway.Registry, logger *zap.Logger, bankAPIKey string) *Handler {
	return &Handler{
		wallets:    wallets,
		deposits:   deposits,
		reconciler: reconciler,
		gateways:   gateways,
		logger:     logger,
		bankAPIKey: bankAPIKey,
	}
}

type walletResponse struct {
	OwnerID  string `json:"owner_id"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func toWalletResponse(w *model.Wallet) walletResponse {
	return walletResponse{
		OwnerID:  w.OwnerID,
		Balance:  w.Balance,
		Currency: w.Currency,
		Status:   string(w.Status),
	}
}

// writeWalletError переводит доменные ошибки кошелька в HTTP-статусы.
func (h *Handler) writeWalletError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, repository.ErrWalletNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrWalletInactive):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type depositRequest struct {
	Amount      int64  `json:"amount"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// InitiateDeposit инициирует пополнение кошелька через выбранный шлюз.
func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.deposits.Initiate(r.Context(), ownerID, req.Amount, model.PaymentMethod(req.Method), req.Description)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, gateway.ErrUnknownProvider):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, gateway.ErrUpstreamTimeout):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("initiate deposit error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, outcome)
}

type mutationRequest struct {
	Amount      int64  `json:"amount"`
	OrderID     string `json:"order_id"`
	Description string `json:"description"`
}

// Withdraw списывает средства с кошелька владельца.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wlt, _, err := h.wallets.Withdraw(r.Context(), ownerID, wallet.MutationParams{
		Amount:        req.Amount,
		Description:   req.Description,
		ReferenceType: model.ReferenceTypeWithdraw,
	})
	if err != nil {
		h.writeWalletError(w, "withdraw", err)
		return
	}

	writeJSON(w, http.StatusOK, toWalletResponse(wlt))
}

// Purchase списывает оплату заказа. Вызывается коллаборатором заказов.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wlt, _, err := h.wallets.Purchase(r.Context(), ownerID, req.OrderID, wallet.MutationParams{
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.writeWalletError(w, "purchase", err)
		return
	}

	writeJSON(w, http.StatusOK, toWalletResponse(wlt))
}

// Refund возвращает оплату заказа. Вызывается коллаборатором заказов.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wlt, _, err := h.wallets.Refund(r.Context(), ownerID, req.OrderID, wallet.MutationParams{
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.writeWalletError(w, "refund", err)
		return
	}

	writeJSON(w, http.StatusOK, toWalletResponse(wlt))
}

// Freeze блокирует кошелёк владельца. Операция оператора.
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.wallets.Freeze)
}

// Unfreeze возвращает кошелёк владельца в активное состояние.
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.wallets.Unfreeze)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	ownerID := chi.URLParam(r, "ownerID")
	if err := fn(r.Context(), ownerID); err != nil {
		h.writeWalletError(w, "set wallet status", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает кошелёк владельца.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	wlt, err := h.wallets.GetBalance(r.Context(), ownerID)
	if err != nil {
		h.writeWalletError(w, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toWalletResponse(wlt))
}

// GetStats возвращает накопительные итоги кошелька владельца.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	stats, err := h.wallets.GetStats(r.Context(), ownerID)
	if err != nil {
		h.writeWalletError(w, "get stats", err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type transactionResponse struct {
	Code          string `json:"code"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Audit сверяет хранимый баланс владельца с воспроизведением журнала. Операция оператора.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	audit, err := h.wallets.VerifyBalance(r.Context(), ownerID)
	if err != nil {
		h.writeWalletError(w, "audit", err)
		return
	}

	writeJSON(w, http.StatusOK, audit)
}

// GetTransactions возвращает журнал операций владельца.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	list, err := h.wallets.ListTransactions(r.Context(), ownerID, 100)
	if err != nil {
		h.writeWalletError(w, "list transactions", err)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(list))
	for _, e := range list {
		resp = append(resp, transactionResponse{
			Code:          e.Code,
			Type:          string(e.Type),
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Status:        string(e.Status),
			Description:   e.Description,
			ReferenceID:   e.ReferenceID,
			ReferenceType: string(e.ReferenceType),
			CreatedAt:     e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// ingestNotification — общий путь всех webhook-эндпоинтов: уведомление
// подтверждается провайдеру сразу после успешного разбора, независимо от того,
// было ли событие уже обработано. Ошибки сверки логируются и не возвращаются:
// повторная доставка провайдером их не исправит.
func (h *Handler) ingestNotification(w http.ResponseWriter, r *http.Request, method model.PaymentMethod) {
	provider, err := h.gateways.Get(method)
	if err != nil {
		h.logger.Error("gateway not configured", zap.String("method", string(method)), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	n, err := provider.ParseNotification(r.Context(), body, r.URL.Query())
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrIgnored):
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		case errors.Is(err, gateway.ErrSignatureInvalid):
			// Неподписанное уведомление не подтверждается: отправитель не провайдер.
			h.logger.Warn("notification signature invalid", zap.String("method", string(method)))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("parse notification error", zap.String("method", string(method)), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		}
		return
	}

	if _, err := h.reconciler.Resolve(r.Context(), n); err != nil {
		h.logger.Warn("reconciliation error",
			zap.String("method", string(method)),
			zap.String("external_id", n.ExternalID),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// PayPalReturn обрабатывает возврат плательщика после одобрения платежа.
func (h *Handler) PayPalReturn(w http.ResponseWriter, r *http.Request) {
	h.ingestNotification(w, r, model.PaymentMethodPayPal)
}

// PayPalWebhook обрабатывает резервный webhook PayPal.
func (h *Handler) PayPalWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingestNotification(w, r, model.PaymentMethodPayPal)
}

// MoMoCallback обрабатывает IPN-колбэк MoMo.
func (h *Handler) MoMoCallback(w http.ResponseWriter, r *http.Request) {
	h.ingestNotification(w, r, model.PaymentMethodMoMo)
}

// MoMoReturn принимает возврат плательщика из MoMo. Зачисление выполняет
// подписанный IPN-колбэк; здесь возврат только подтверждается.
func (h *Handler) MoMoReturn(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// BankWebhook обрабатывает webhook о входящем банковском переводе.
func (h *Handler) BankWebhook(w http.ResponseWriter, r *http.Request) {
	h.ingestNotification(w, r, model.PaymentMethodBankTransfer)
}
