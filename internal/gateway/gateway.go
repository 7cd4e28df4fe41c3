// Package gateway определяет общий контракт платёжных адаптеров. Каждый адаптер
// приводит протокол одного провайдера к нормализованному виду; выбор адаптера
// выполняется по способу оплаты, записанному на исходной транзакции.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mmeshcher/wallet-system/internal/model"
)

// ErrSignatureInvalid возвращается при несовпадении подписи уведомления.
var (
	ErrSignatureInvalid = errors.New("notification signature invalid")
	// ErrUpstreamTimeout возвращается, если API провайдера недоступен в отведённое время.
	ErrUpstreamTimeout = errors.New("gateway API unreachable")
	// ErrUnknownProvider возвращается для незарегистрированного способа оплаты.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrIgnored возвращается для уведомлений, не требующих обработки
	// (например, исходящие банковские переводы).
	ErrIgnored = errors.New("notification ignored")
)

// InitiateRequest описывает запрос на инициацию платежа.
type InitiateRequest struct {
	OwnerID     string
	Amount      int64 // в минимальных единицах VND
	OrderID     string
	Token       string // корреляционный токен реестра, если уже сгенерирован
	Description string
}

// InitiateResult — нормализованный результат инициации платежа.
type InitiateResult struct {
	// Token — корреляционный токен, по которому позднее сверяется уведомление.
	Token       string
	ExternalID  string
	RedirectURL string
	QRCodeURL   string
	// Payload — непрозрачные данные провайдера, сохраняемые на платёжной попытке.
	Payload map[string]string
}

// Notification — нормализованное входящее уведомление провайдера.
type Notification struct {
	Provider   model.PaymentMethod
	ExternalID string
	// Token — точный корреляционный токен, если провайдер его возвращает.
	Token string
	// Memo — свободный текст назначения платежа для нечёткой сверки.
	Memo      string
	Amount    int64 // в минимальных единицах VND; 0, если провайдер сумму не сообщил
	Succeeded bool
	Raw       map[string]string
}

// Provider — единый набор возможностей платёжного адаптера.
type Provider interface {
	Method() model.PaymentMethod
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// ParseNotification разбирает и проверяет подлинность уведомления провайдера.
	ParseNotification(ctx context.Context, body []byte, query url.Values) (*Notification, error)
}

// Registry хранит адаптеры по способу оплаты.
type Registry struct {
	providers map[model.PaymentMethod]Provider
}

// NewRegistry создаёт реестр из перечисленных адаптеров.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[model.PaymentMethod]Provider, len(providers))
	for _, p := range providers {
		m[p.Method()] = p
	}
	return &Registry{providers: m}
}

// Get возвращает адаптер для указанного способа оплаты.
func (r *Registry) Get(method model.PaymentMethod) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, method)
	}
	return p, nil
}
