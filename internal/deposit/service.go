// Package deposit реализует инициацию пополнения кошелька через платёжный шлюз:
// регистрацию ожидаемого зачисления, вызов адаптера и запись платёжной попытки.
package deposit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/mmeshcher/wallet-system/internal/wallet"
)

// Wallets описывает операции кошелькового сервиса, нужные инициации.
type Wallets interface {
	Register(ctx context.Context, ownerID string) (*model.Wallet, error)
}

// Registry описывает реестр ожидаемых зачислений.
type Registry interface {
	Create(ctx context.Context, ownerID string, amount int64, method model.PaymentMethod, token string) (*model.PendingDeposit, error)
}

// Store описывает хранилище платёжных попыток.
type Store interface {
	CreateGatewayTransaction(ctx context.Context, gt *model.GatewayTransaction) error
}

// Service инициирует пополнения.
type Service struct {
	wallets  Wallets
	registry Registry
	gateways *gateway.Registry
	store    Store
	logger   *zap.Logger
}

// NewService создаёт сервис инициации пополнений.
func NewService(wallets Wallets, registry Registry, gateways *gateway.Registry, store Store, logger *zap.Logger) *Service {
	return &Service{
		wallets:  wallets,
		registry: registry,
		gateways: gateways,
		store:    store,
		logger:   logger,
	}
}

// Outcome — результат инициации пополнения.
type Outcome struct {
	TransactionID string `json:"transaction_id"`
	Token         string `json:"token"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	QRCodeURL     string `json:"qr_code_url,omitempty"`
}

// Initiate регистрирует ожидаемое зачисление и создаёт платёж у провайдера.
// Кошелёк владельца создаётся при первой попытке пополнения.
func (s *Service) Initiate(ctx context.Context, ownerID string, amount int64, method model.PaymentMethod, description string) (*Outcome, error) {
	if amount <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	provider, err := s.gateways.Get(method)
	if err != nil {
		return nil, err
	}

	if _, err := s.wallets.Register(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("register wallet: %w", err)
	}

	gwID := uuid.NewString()

	req := gateway.InitiateRequest{
		OwnerID:     ownerID,
		Amount:      amount,
		Description: description,
	}

	// Для банковского перевода токен генерируется и регистрируется до выдачи
	// реквизитов; для редиректных шлюзов токен назначается провайдером либо
	// равен идентификатору платежа и регистрируется после инициации.
	switch method {
	case model.PaymentMethodBankTransfer:
		pd, err := s.registry.Create(ctx, ownerID, amount, method, "")
		if err != nil {
			return nil, fmt.Errorf("register pending deposit: %w", err)
		}
		req.Token = pd.Token
	default:
		req.Token = gwID
	}

	res, err := provider.Initiate(ctx, req)
	if err != nil {
		return nil, err
	}

	if method != model.PaymentMethodBankTransfer {
		if _, err := s.registry.Create(ctx, ownerID, amount, method, res.Token); err != nil {
			return nil, fmt.Errorf("register pending deposit: %w", err)
		}
	}

	gt := &model.GatewayTransaction{
		ID:         gwID,
		OwnerID:    ownerID,
		OrderID:    res.Token,
		ExternalID: res.ExternalID,
		Amount:     amount,
		Currency:   model.CurrencyVND,
		Method:     method,
		Status:     model.GatewayStatusPending,
		Payload:    res.Payload,
	}
	if err := s.store.CreateGatewayTransaction(ctx, gt); err != nil {
		return nil, fmt.Errorf("store gateway transaction: %w", err)
	}

	s.logger.Info("deposit initiated",
		zap.String("owner_id", ownerID),
		zap.String("method", string(method)),
		zap.Int64("amount", amount),
		zap.String("token", res.Token),
	)

	return &Outcome{
		TransactionID: gwID,
		Token:         res.Token,
		RedirectURL:   res.RedirectURL,
		QRCodeURL:     res.QRCodeURL,
	}, nil
}
