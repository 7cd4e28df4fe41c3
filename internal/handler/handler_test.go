package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/deposit"
	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/mmeshcher/wallet-system/internal/reconcile"
	"github.com/mmeshcher/wallet-system/internal/repository"
	"github.com/mmeshcher/wallet-system/internal/wallet"
)

type stubWalletService struct {
	withdrawErr error
	purchaseErr error
	balanceErr  error
	list        []model.WalletTransaction

	purchases []string
}

func (s *stubWalletService) Withdraw(_ context.Context, ownerID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if s.withdrawErr != nil {
		return nil, nil, s.withdrawErr
	}
	return &model.Wallet{OwnerID: ownerID, Balance: 1000 - p.Amount, Currency: model.CurrencyVND, Status: model.WalletStatusActive}, nil, nil
}

func (s *stubWalletService) Purchase(_ context.Context, ownerID string, orderID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if s.purchaseErr != nil {
		return nil, nil, s.purchaseErr
	}
	s.purchases = append(s.purchases, orderID)
	return &model.Wallet{OwnerID: ownerID, Balance: 500, Currency: model.CurrencyVND, Status: model.WalletStatusActive}, nil, nil
}

func (s *stubWalletService) Refund(_ context.Context, ownerID string, orderID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	return &model.Wallet{OwnerID: ownerID, Balance: 1500, Currency: model.CurrencyVND, Status: model.WalletStatusActive}, nil, nil
}

func (s *stubWalletService) Freeze(context.Context, string) error   { return nil }
func (s *stubWalletService) Unfreeze(context.Context, string) error { return nil }

func (s *stubWalletService) GetBalance(_ context.Context, ownerID string) (*model.Wallet, error) {
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return &model.Wallet{OwnerID: ownerID, Balance: 1000, Currency: model.CurrencyVND, Status: model.WalletStatusActive}, nil
}

func (s *stubWalletService) GetStats(_ context.Context, ownerID string) (*model.WalletStats, error) {
	return &model.WalletStats{Balance: 1000, Currency: model.CurrencyVND, Status: "active"}, nil
}

func (s *stubWalletService) ListTransactions(context.Context, string, int) ([]model.WalletTransaction, error) {
	return s.list, nil
}

func (s *stubWalletService) VerifyBalance(context.Context, string) (*wallet.Audit, error) {
	return &wallet.Audit{Balance: 1000, Replayed: 1000, Match: true}, nil
}

type stubDepositService struct {
	outcome *deposit.Outcome
	err     error
}

func (s *stubDepositService) Initiate(_ context.Context, ownerID string, amount int64, method model.PaymentMethod, _ string) (*deposit.Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

type stubReconciler struct {
	result *reconcile.Result
	err    error
	calls  int
}

func (s *stubReconciler) Resolve(_ context.Context, n *gateway.Notification) (*reconcile.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubProvider struct {
	method model.PaymentMethod
	n      *gateway.Notification
	err    error
}

func (p *stubProvider) Method() model.PaymentMethod { return p.method }

func (p *stubProvider) Initiate(context.Context, gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	return nil, errors.New("not used")
}

func (p *stubProvider) ParseNotification(context.Context, []byte, url.Values) (*gateway.Notification, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.n, nil
}

type testEnv struct {
	wallets    *stubWalletService
	deposits   *stubDepositService
	reconciler *stubReconciler
	provider   *stubProvider
	router     http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		wallets:    &stubWalletService{},
		deposits:   &stubDepositService{outcome: &deposit.Outcome{TransactionID: "gw-1", Token: "tok"}},
		reconciler: &stubReconciler{result: &reconcile.Result{OwnerID: "U1", Amount: 50000}},
		provider:   &stubProvider{method: model.PaymentMethodBankTransfer, n: &gateway.Notification{Succeeded: true, Memo: "x"}},
	}

	h := NewHandler(env.wallets, env.deposits, env.reconciler,
		gateway.NewRegistry(env.provider), zap.NewNop(), "bank-key")
	env.router = h.SetupRouter()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestInitiateDeposit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/wallet/U1/deposit",
		`{"amount": 50000, "method": "bank_transfer"}`, nil)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"transaction_id":"gw-1"`)
}

func TestInitiateDepositInvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.deposits.err = wallet.ErrInvalidAmount

	w := env.do(t, http.MethodPost, "/api/wallet/U1/deposit",
		`{"amount": 0, "method": "bank_transfer"}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiateDepositUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	env.deposits.err = gateway.ErrUnknownProvider

	w := env.do(t, http.MethodPost, "/api/wallet/U1/deposit",
		`{"amount": 100, "method": "cash"}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiateDepositUpstreamTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.deposits.err = gateway.ErrUpstreamTimeout

	w := env.do(t, http.MethodPost, "/api/wallet/U1/deposit",
		`{"amount": 100, "method": "paypal"}`, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/wallet/U1/withdraw", `{"amount": 300}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":700`)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.wallets.withdrawErr = repository.ErrInsufficientBalance

	w := env.do(t, http.MethodPost, "/api/wallet/U1/withdraw", `{"amount": 99999}`, nil)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestWithdrawFrozenWallet(t *testing.T) {
	env := newTestEnv(t)
	env.wallets.withdrawErr = repository.ErrWalletInactive

	w := env.do(t, http.MethodPost, "/api/wallet/U1/withdraw", `{"amount": 100}`, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPurchaseRequiresOrderID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/wallet/U1/purchase", `{"amount": 100}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.wallets.purchases)
}

func TestPurchase(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/wallet/U1/purchase",
		`{"amount": 100, "order_id": "ORD-7"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ORD-7"}, env.wallets.purchases)
}

func TestGetBalance(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/wallet/U1/balance", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":1000`)
}

func TestGetBalanceNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.wallets.balanceErr = repository.ErrWalletNotFound

	w := env.do(t, http.MethodGet, "/api/wallet/U1/balance", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAudit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/wallet/U1/audit", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"match":true`)
}

func TestGetTransactionsEmpty(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/wallet/U1/transactions", "", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBankWebhookRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`,
		map[string]string{"Authorization": "Apikey wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBankWebhookAcked(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`,
		map[string]string{"Authorization": "Apikey bank-key"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Equal(t, 1, env.reconciler.calls)
}

func TestBankWebhookAckedOnReconcileFailure(t *testing.T) {
	env := newTestEnv(t)
	env.reconciler.err = reconcile.ErrAmbiguousMatch

	// Ошибку сверки повторная доставка провайдером не исправит:
	// уведомление всё равно подтверждается.
	w := env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`,
		map[string]string{"Authorization": "Apikey bank-key"})

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBankWebhookIgnoredTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = gateway.ErrIgnored

	w := env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`,
		map[string]string{"Authorization": "Apikey bank-key"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.reconciler.calls)
}

func TestWebhookInvalidSignatureNotAcked(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = gateway.ErrSignatureInvalid

	w := env.do(t, http.MethodPost, "/api/payments/sepay/webhook", `{}`,
		map[string]string{"Authorization": "Apikey bank-key"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, env.reconciler.calls)
}

func TestMoMoReturnAcked(t *testing.T) {
	env := newTestEnv(t)

	// Возврат плательщика из MoMo подтверждается без сверки: зачисление
	// выполняет подписанный IPN-колбэк.
	w := env.do(t, http.MethodGet, "/api/payments/momo/return?resultCode=0&orderId=gw-1", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Equal(t, 0, env.reconciler.calls)
}

func TestWebhookUnknownGateway(t *testing.T) {
	env := newTestEnv(t)

	// В реестре шлюзов нет адаптера MoMo.
	w := env.do(t, http.MethodPost, "/api/payments/momo/callback", `{}`, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/unknown", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodDelete, "/api/wallet/U1/balance", "", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
