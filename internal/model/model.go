// Package model содержит доменные сущности кошелькового сервиса.
package model

import "time"

// OwnerType описывает вид владельца кошелька.
type OwnerType string

const (
	OwnerTypeUser   OwnerType = "user"
	OwnerTypeSystem OwnerType = "system"
)

// SystemOwnerID — идентификатор владельца единственного системного кошелька.
const SystemOwnerID = "system"

// WalletStatus описывает состояние кошелька.
type WalletStatus string

const (
	WalletStatusActive    WalletStatus = "active"
	WalletStatusFrozen    WalletStatus = "frozen"
	WalletStatusSuspended WalletStatus = "suspended"
)

// CurrencyVND — единственная валюта расчётов в этом развёртывании.
const CurrencyVND = "VND"

// Wallet представляет баланс одного владельца. Суммы хранятся в минимальных
// единицах валюты и не могут быть отрицательными.
type Wallet struct {
	ID                int64
	OwnerID           string
	OwnerType         OwnerType
	Balance           int64
	Currency          string
	Status            WalletStatus
	TotalDeposited    int64
	TotalWithdrawn    int64
	TotalSpent        int64
	LastTransactionAt *time.Time
	CreatedAt         time.Time
}

// TransactionType описывает вид движения средств по кошельку.
type TransactionType string

const (
	TransactionTypeDeposit  TransactionType = "deposit"
	TransactionTypeWithdraw TransactionType = "withdraw"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypeTransfer TransactionType = "transfer"
)

// IsCredit сообщает, увеличивает ли операция данного вида баланс.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeRefund
}

// TransactionStatus описывает статус записи журнала.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// ReferenceType описывает вид внешней сущности, на которую ссылается запись журнала.
type ReferenceType string

const (
	ReferenceTypeOrder    ReferenceType = "order"
	ReferenceTypeDeposit  ReferenceType = "deposit"
	ReferenceTypeWithdraw ReferenceType = "withdraw"
	ReferenceTypeRefund   ReferenceType = "refund"
	ReferenceTypeTransfer ReferenceType = "transfer"
)

// WalletTransaction — неизменяемая запись журнала об одном изменении баланса.
// BalanceAfter всегда равен балансу кошелька сразу после записи: обновление
// баланса и вставка записи выполняются в одной транзакции БД.
type WalletTransaction struct {
	ID            int64
	Code          string
	WalletID      int64
	OwnerID       string
	OwnerType     OwnerType
	Type          TransactionType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Currency      string
	Status        TransactionStatus
	Description   string
	ReferenceID   string
	ReferenceType ReferenceType
	Metadata      map[string]string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// PaymentMethod описывает платёжный шлюз, через который инициирован платёж.
type PaymentMethod string

const (
	PaymentMethodPayPal       PaymentMethod = "paypal"
	PaymentMethodMoMo         PaymentMethod = "momo"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// GatewayStatus описывает статус внешней платёжной попытки.
type GatewayStatus string

const (
	GatewayStatusPending    GatewayStatus = "pending"
	GatewayStatusProcessing GatewayStatus = "processing"
	GatewayStatusCompleted  GatewayStatus = "completed"
	GatewayStatusFailed     GatewayStatus = "failed"
	GatewayStatusCancelled  GatewayStatus = "cancelled"
	GatewayStatusRefunded   GatewayStatus = "refunded"
)

// gatewayRank задаёт порядок статусов: переходы допустимы только вперёд.
var gatewayRank = map[GatewayStatus]int{
	GatewayStatusPending:    0,
	GatewayStatusProcessing: 1,
	GatewayStatusCompleted:  2,
	GatewayStatusFailed:     2,
	GatewayStatusCancelled:  2,
	GatewayStatusRefunded:   3,
}

// IsTerminal сообщает, является ли статус конечным для новых платежей.
func (s GatewayStatus) IsTerminal() bool {
	return s == GatewayStatusCompleted || s == GatewayStatusFailed ||
		s == GatewayStatusCancelled || s == GatewayStatusRefunded
}

// CanTransition проверяет допустимость перехода из статуса s в next.
// Возврат в pending и повторный вход в тот же конечный статус запрещены;
// refunded достижим только из completed.
func (s GatewayStatus) CanTransition(next GatewayStatus) bool {
	from, ok := gatewayRank[s]
	if !ok {
		return false
	}
	to, ok := gatewayRank[next]
	if !ok {
		return false
	}
	if next == GatewayStatusRefunded {
		return s == GatewayStatusCompleted
	}
	return to > from
}

// GatewayTransaction — одна внешняя платёжная попытка.
type GatewayTransaction struct {
	ID         string
	OwnerID    string
	OrderID    string
	ExternalID string
	Amount     int64
	Currency   string
	Method     PaymentMethod
	Status     GatewayStatus
	Payload    map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PendingDeposit — ожидаемое зачисление; ключом служит корреляционный токен провайдера.
type PendingDeposit struct {
	Token     string
	OwnerID   string
	OwnerType OwnerType
	Amount    int64
	Method    PaymentMethod
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired сообщает, истёк ли срок жизни записи на момент now.
func (p *PendingDeposit) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// WalletStats — проекция накопительных итогов кошелька.
type WalletStats struct {
	Balance           int64      `json:"balance"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	TotalDeposited    int64      `json:"total_deposited"`
	TotalWithdrawn    int64      `json:"total_withdrawn"`
	TotalSpent        int64      `json:"total_spent"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
}
