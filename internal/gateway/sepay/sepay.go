// Package sepay реализует адаптер webhook-уведомлений о банковских переводах.
// Провайдер сообщает только сумму и искажённый банком свободный текст
// назначения; криптографической подписи в этом развёртывании нет, и доверие
// опирается на совпадение суммы и корреляционного токена в реестре.
package sepay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
)

const transferDirectionIn = "in"

// Adapter — адаптер банковских webhook-уведомлений.
type Adapter struct {
	accountNumber string
}

// NewAdapter создаёт адаптер с номером счёта, на который принимаются переводы.
func NewAdapter(accountNumber string) *Adapter {
	return &Adapter{accountNumber: accountNumber}
}

// Method возвращает способ оплаты адаптера.
func (a *Adapter) Method() model.PaymentMethod {
	return model.PaymentMethodBankTransfer
}

// Initiate не обращается к внешнему API: пользователю выдаются реквизиты счёта
// и корреляционный токен, который он указывает в назначении перевода.
func (a *Adapter) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("bank transfer requires a pre-generated deposit token")
	}

	return &gateway.InitiateResult{
		Token: req.Token,
		QRCodeURL: fmt.Sprintf("https://qr.sepay.vn/img?acc=%s&amount=%d&des=%s",
			url.QueryEscape(a.accountNumber), req.Amount, url.QueryEscape(req.Token)),
		Payload: map[string]string{
			"account_number": a.accountNumber,
			"transfer_memo":  req.Token,
		},
	}, nil
}

type webhookPayload struct {
	ID              int64  `json:"id"`
	Gateway         string `json:"gateway"`
	TransactionDate string `json:"transactionDate"`
	AccountNumber   string `json:"accountNumber"`
	Content         string `json:"content"`
	TransferType    string `json:"transferType"`
	TransferAmount  int64  `json:"transferAmount"`
	ReferenceCode   string `json:"referenceCode"`
}

// ParseNotification разбирает webhook банка. Исходящие переводы не касаются
// зачислений и пропускаются. Разрешение владельца по искажённому назначению
// перевода выполняет движок сверки.
func (a *Adapter) ParseNotification(_ context.Context, body []byte, _ url.Values) (*gateway.Notification, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("unmarshal webhook payload: %w", err)
	}

	if p.TransferType != transferDirectionIn {
		return nil, fmt.Errorf("%w: transfer type %q", gateway.ErrIgnored, p.TransferType)
	}

	// Сумма — граница доверия банковского пути: перевод без положительной
	// суммы не принимается.
	if p.TransferAmount <= 0 {
		return nil, fmt.Errorf("non-positive transfer amount: %d", p.TransferAmount)
	}

	externalID := p.ReferenceCode
	if externalID == "" {
		externalID = strconv.FormatInt(p.ID, 10)
	}

	return &gateway.Notification{
		Provider:   model.PaymentMethodBankTransfer,
		ExternalID: externalID,
		Memo:       p.Content,
		Amount:     p.TransferAmount,
		Succeeded:  true,
		Raw: map[string]string{
			"gateway":          p.Gateway,
			"account_number":   p.AccountNumber,
			"transaction_date": p.TransactionDate,
		},
	}, nil
}
