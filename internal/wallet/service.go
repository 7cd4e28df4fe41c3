// Package wallet реализует бизнес-логику кошелькового леджера. Это единственный
// компонент, которому разрешено изменять балансы.
package wallet

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/mmeshcher/wallet-system/internal/repository"
)

// ErrInvalidAmount возвращается при неположительной сумме операции.
var ErrInvalidAmount = errors.New("amount must be positive")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	CreateWallet(ctx context.Context, ownerID string, ownerType model.OwnerType) (*model.Wallet, error)
	GetWallet(ctx context.Context, ownerID string, ownerType model.OwnerType) (*model.Wallet, error)
	SetWalletStatus(ctx context.Context, ownerID string, ownerType model.OwnerType, status model.WalletStatus) error
	ApplyTransaction(ctx context.Context, p repository.TxParams) (*model.Wallet, *model.WalletTransaction, error)
	ListTransactions(ctx context.Context, ownerID string, ownerType model.OwnerType, limit int) ([]model.WalletTransaction, error)
	ReplayBalance(ctx context.Context, ownerID string, ownerType model.OwnerType) (int64, error)
	GetMirrorTotals(ctx context.Context) (*repository.MirrorTotals, error)
}

// Service содержит бизнес-логику кошелькового леджера.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService создаёт новый сервис над указанным репозиторием.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// MutationParams содержит общие параметры изменяющей операции.
type MutationParams struct {
	Amount        int64
	Description   string
	ReferenceID   string
	ReferenceType model.ReferenceType
	Metadata      map[string]string
}

// Register создаёт пользовательский кошелёк при первом обращении.
// Повторный вызов возвращает существующий кошелёк.
func (s *Service) Register(ctx context.Context, ownerID string) (*model.Wallet, error) {
	return s.repo.CreateWallet(ctx, ownerID, model.OwnerTypeUser)
}

// Deposit зачисляет сумму на кошелёк владельца и зеркалирует её в системный кошелёк.
func (s *Service) Deposit(ctx context.Context, ownerID string, p MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	return s.repo.ApplyTransaction(ctx, repository.TxParams{
		OwnerID:       ownerID,
		OwnerType:     model.OwnerTypeUser,
		Type:          model.TransactionTypeDeposit,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferenceID:   p.ReferenceID,
		ReferenceType: p.ReferenceType,
		Metadata:      p.Metadata,
		MirrorSystem:  true,
	})
}

// Withdraw списывает сумму с кошелька владельца и зеркалирует списание в системный кошелёк.
func (s *Service) Withdraw(ctx context.Context, ownerID string, p MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	return s.repo.ApplyTransaction(ctx, repository.TxParams{
		OwnerID:       ownerID,
		OwnerType:     model.OwnerTypeUser,
		Type:          model.TransactionTypeWithdraw,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferenceID:   p.ReferenceID,
		ReferenceType: p.ReferenceType,
		Metadata:      p.Metadata,
		MirrorSystem:  true,
	})
}

// Purchase списывает оплату заказа с кошелька покупателя. Системный кошелёк не
// зеркалируется: деньги уже учтены в нём зачислением.
func (s *Service) Purchase(ctx context.Context, ownerID string, orderID string, p MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	return s.repo.ApplyTransaction(ctx, repository.TxParams{
		OwnerID:       ownerID,
		OwnerType:     model.OwnerTypeUser,
		Type:          model.TransactionTypePurchase,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferenceID:   orderID,
		ReferenceType: model.ReferenceTypeOrder,
		Metadata:      p.Metadata,
	})
}

// Refund возвращает оплату заказа на кошелёк покупателя (обратная операция к Purchase).
func (s *Service) Refund(ctx context.Context, ownerID string, orderID string, p MutationParams) (*model.Wallet, *model.WalletTransaction, error) {
	if p.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	return s.repo.ApplyTransaction(ctx, repository.TxParams{
		OwnerID:       ownerID,
		OwnerType:     model.OwnerTypeUser,
		Type:          model.TransactionTypeRefund,
		Amount:        p.Amount,
		Description:   p.Description,
		ReferenceID:   orderID,
		ReferenceType: model.ReferenceTypeRefund,
		Metadata:      p.Metadata,
	})
}

// Freeze блокирует кошелёк без изменения баланса. Операция оператора.
func (s *Service) Freeze(ctx context.Context, ownerID string) error {
	return s.repo.SetWalletStatus(ctx, ownerID, model.OwnerTypeUser, model.WalletStatusFrozen)
}

// Unfreeze возвращает кошелёк в активное состояние.
func (s *Service) Unfreeze(ctx context.Context, ownerID string) error {
	return s.repo.SetWalletStatus(ctx, ownerID, model.OwnerTypeUser, model.WalletStatusActive)
}

// GetBalance возвращает кошелёк владельца.
func (s *Service) GetBalance(ctx context.Context, ownerID string) (*model.Wallet, error) {
	return s.repo.GetWallet(ctx, ownerID, model.OwnerTypeUser)
}

// GetStats возвращает накопительные итоги кошелька владельца.
func (s *Service) GetStats(ctx context.Context, ownerID string) (*model.WalletStats, error) {
	w, err := s.repo.GetWallet(ctx, ownerID, model.OwnerTypeUser)
	if err != nil {
		return nil, err
	}
	return &model.WalletStats{
		Balance:           w.Balance,
		Currency:          w.Currency,
		Status:            string(w.Status),
		TotalDeposited:    w.TotalDeposited,
		TotalWithdrawn:    w.TotalWithdrawn,
		TotalSpent:        w.TotalSpent,
		LastTransactionAt: w.LastTransactionAt,
	}, nil
}

// ListTransactions возвращает записи журнала владельца, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]model.WalletTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListTransactions(ctx, ownerID, model.OwnerTypeUser, limit)
}

// Audit пересчитывает баланс кошелька воспроизведением журнала с нуля и
// сравнивает его с хранимым. Журнал — источник истины: расхождение означает
// изменение баланса в обход леджера.
type Audit struct {
	Balance  int64 `json:"balance"`
	Replayed int64 `json:"replayed"`
	Match    bool  `json:"match"`
}

// VerifyBalance выполняет аудит кошелька владельца.
func (s *Service) VerifyBalance(ctx context.Context, ownerID string) (*Audit, error) {
	w, err := s.repo.GetWallet(ctx, ownerID, model.OwnerTypeUser)
	if err != nil {
		return nil, err
	}

	replayed, err := s.repo.ReplayBalance(ctx, ownerID, model.OwnerTypeUser)
	if err != nil {
		return nil, err
	}

	a := &Audit{Balance: w.Balance, Replayed: replayed, Match: w.Balance == replayed}
	if !a.Match {
		s.logger.Warn("wallet balance diverges from journal replay",
			zap.String("owner_id", ownerID),
			zap.Int64("balance", a.Balance),
			zap.Int64("replayed", a.Replayed),
		)
	}
	return a, nil
}

// CheckMirror сверяет суммы зеркалируемых операций пользовательских кошельков
// с системным и возвращает true при совпадении. Расхождение только логируется:
// обе записи идут в одной транзакции БД, и дрейф означает ручное вмешательство.
func (s *Service) CheckMirror(ctx context.Context) (bool, error) {
	t, err := s.repo.GetMirrorTotals(ctx)
	if err != nil {
		return false, err
	}

	ok := t.UserDeposited == t.SystemDeposited && t.UserWithdrawn == t.SystemWithdrawn
	if !ok {
		s.logger.Warn("mirror drift detected",
			zap.Int64("user_deposited", t.UserDeposited),
			zap.Int64("system_deposited", t.SystemDeposited),
			zap.Int64("user_withdrawn", t.UserWithdrawn),
			zap.Int64("system_withdrawn", t.SystemWithdrawn),
		)
	}
	return ok, nil
}

// StartMirrorSweep запускает фоновую периодическую сверку двойной записи.
func (s *Service) StartMirrorSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CheckMirror(ctx); err != nil {
					s.logger.Error("mirror sweep error", zap.Error(err))
				}
			}
		}
	}()
}
