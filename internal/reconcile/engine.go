// Package reconcile реализует сверку входящих платёжных уведомлений с реестром
// ожидаемых зачислений. Сверка идемпотентна к повторной доставке и никогда не
// зачисляет деньги по неоднозначному совпадению.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/events"
	"github.com/mmeshcher/wallet-system/internal/gateway"
	"github.com/mmeshcher/wallet-system/internal/model"
	"github.com/mmeshcher/wallet-system/internal/repository"
	"github.com/mmeshcher/wallet-system/internal/wallet"
)

// ErrAmbiguousMatch возвращается, если уведомлению соответствует ноль или
// больше одной записи реестра. Такие случаи разрешаются только вручную.
var (
	ErrAmbiguousMatch = errors.New("ambiguous reconciliation")
	// ErrAmountMismatch возвращается при несовпадении суммы уведомления с ожидаемой.
	ErrAmountMismatch = errors.New("notification amount mismatch")
)

// WalletService описывает операции кошелькового сервиса, нужные сверке.
type WalletService interface {
	Deposit(ctx context.Context, ownerID string, p wallet.MutationParams) (*model.Wallet, *model.WalletTransaction, error)
}

// Registry описывает реестр ожидаемых зачислений.
type Registry interface {
	Lookup(ctx context.Context, token string) (*model.PendingDeposit, error)
	LookupAll(ctx context.Context) ([]model.PendingDeposit, error)
	Consume(ctx context.Context, token string) (*model.PendingDeposit, error)
}

// Store описывает доступ к журналу и платёжным попыткам.
type Store interface {
	FindTransactionByReference(ctx context.Context, refType model.ReferenceType, refID string) (*model.WalletTransaction, error)
	GetGatewayTransactionByExternalID(ctx context.Context, externalID string) (*model.GatewayTransaction, error)
	GetGatewayTransactionByOrderID(ctx context.Context, orderID string) (*model.GatewayTransaction, error)
	SetGatewayExternalID(ctx context.Context, id, externalID string) error
	TransitionGatewayStatus(ctx context.Context, id string, next model.GatewayStatus) (bool, error)
}

// Publisher публикует события об успешной оплате для коллаборатора заказов.
type Publisher interface {
	Publish(ev events.PaymentSucceeded)
}

// Engine — движок сверки зачислений.
type Engine struct {
	wallets  WalletService
	registry Registry
	store    Store
	events   Publisher
	logger   *zap.Logger
}

// NewEngine создаёт движок сверки.
func NewEngine(wallets WalletService, registry Registry, store Store, publisher Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		wallets:  wallets,
		registry: registry,
		store:    store,
		events:   publisher,
		logger:   logger,
	}
}

// Result описывает исход сверки одного уведомления.
type Result struct {
	OwnerID         string
	Amount          int64
	TransactionCode string
	// Duplicate выставляется при повторной доставке уже зачисленного события.
	Duplicate bool
}

// Resolve сопоставляет уведомление ровно одной записи реестра, проверяет сумму
// и зачисляет её через кошельковый сервис ровно один раз.
func (e *Engine) Resolve(ctx context.Context, n *gateway.Notification) (*Result, error) {
	if !n.Succeeded {
		e.fail(ctx, n)
		return nil, fmt.Errorf("notification reports failure: %s", n.ExternalID)
	}

	// Проверка идемпотентности до поиска в реестре: запись реестра уже могла
	// быть потреблена первой доставкой, а повторная всё равно обязана
	// завершиться успехом без второго зачисления.
	if n.ExternalID != "" {
		existing, err := e.store.FindTransactionByReference(ctx, model.ReferenceTypeDeposit, n.ExternalID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if n.Token != "" {
				e.consumeQuiet(ctx, n.Token)
			}
			return &Result{OwnerID: existing.OwnerID, Amount: existing.Amount, TransactionCode: existing.Code, Duplicate: true}, nil
		}
	}

	pd, err := e.findPending(ctx, n)
	if err != nil {
		return nil, err
	}

	// Сумма сверяется строго; запись реестра сохраняется, чтобы исправленная
	// повторная доставка всё ещё могла совпасть. Уведомление без суммы
	// допустимо только для PayPal: его адаптер перепроверяет состояние заказа
	// запросом к API, а для остальных провайдеров сумма — граница доверия.
	if n.Amount != pd.Amount && (n.Amount != 0 || pd.Method != model.PaymentMethodPayPal) {
		return nil, fmt.Errorf("%w: got %d, expected %d for %s", ErrAmountMismatch, n.Amount, pd.Amount, pd.Token)
	}

	refID := n.ExternalID
	if refID == "" {
		refID = pd.Token

		existing, err := e.store.FindTransactionByReference(ctx, model.ReferenceTypeDeposit, refID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.consumeQuiet(ctx, pd.Token)
			return &Result{OwnerID: existing.OwnerID, Amount: existing.Amount, TransactionCode: existing.Code, Duplicate: true}, nil
		}
	}

	_, entry, err := e.wallets.Deposit(ctx, pd.OwnerID, wallet.MutationParams{
		Amount:        pd.Amount,
		Description:   fmt.Sprintf("deposit via %s", pd.Method),
		ReferenceID:   refID,
		ReferenceType: model.ReferenceTypeDeposit,
		Metadata: map[string]string{
			"provider":    string(pd.Method),
			"token":       pd.Token,
			"external_id": n.ExternalID,
		},
	})
	if err != nil {
		// Гонка двух конкурентных доставок: уникальный индекс журнала
		// пропускает только одну, вторая считается дубликатом.
		if errors.Is(err, repository.ErrDuplicateReference) {
			e.consumeQuiet(ctx, pd.Token)
			return &Result{OwnerID: pd.OwnerID, Amount: pd.Amount, Duplicate: true}, nil
		}
		return nil, err
	}

	e.consumeQuiet(ctx, pd.Token)
	e.complete(ctx, n, pd, entry)

	return &Result{OwnerID: pd.OwnerID, Amount: pd.Amount, TransactionCode: entry.Code}, nil
}

// findPending находит ровно одну запись реестра для уведомления.
func (e *Engine) findPending(ctx context.Context, n *gateway.Notification) (*model.PendingDeposit, error) {
	// Точный токен провайдера, если адаптер его разрешил.
	if n.Token != "" {
		pd, err := e.registry.Lookup(ctx, n.Token)
		if err == nil {
			return pd, nil
		}
		if !errors.Is(err, repository.ErrPendingDepositNotFound) {
			return nil, err
		}
	}

	if n.Memo == "" {
		return nil, fmt.Errorf("%w: no registry entry for token %q", ErrAmbiguousMatch, n.Token)
	}

	// Шаг 1: точный поиск по сырому тексту назначения.
	pd, err := e.registry.Lookup(ctx, n.Memo)
	if err == nil {
		return pd, nil
	}
	if !errors.Is(err, repository.ErrPendingDepositNotFound) {
		return nil, err
	}

	// Шаг 2: восстановление канонического ключа по структуре токена.
	if canonical := canonicalToken(n.Memo); canonical != "" {
		pd, err := e.registry.Lookup(ctx, canonical)
		if err == nil {
			return pd, nil
		}
		if !errors.Is(err, repository.ErrPendingDepositNotFound) {
			return nil, err
		}
	}

	// Шаг 3: нормализованное вхождение плюс точное совпадение числового
	// сегмента. Голое вхождение подстроки слишком слабое: токены с общим
	// префиксом зачислялись бы не тому владельцу.
	live, err := e.registry.LookupAll(ctx)
	if err != nil {
		return nil, err
	}

	normMemo := normalizeMemo(n.Memo)
	var candidates []model.PendingDeposit
	for _, cand := range live {
		normTok := normalizeMemo(cand.Token)
		if normTok == "" || normMemo == "" {
			continue
		}
		if !strings.Contains(normMemo, normTok) && !strings.Contains(normTok, normMemo) {
			continue
		}
		if !containsNumericSegment(n.Memo, primaryNumericSegment(cand.Token)) {
			continue
		}
		candidates = append(candidates, cand)
	}

	if len(candidates) != 1 {
		e.logger.Warn("reconciliation failed closed",
			zap.String("memo", n.Memo),
			zap.Int("candidates", len(candidates)),
		)
		return nil, fmt.Errorf("%w: %d candidates for memo %q", ErrAmbiguousMatch, len(candidates), n.Memo)
	}

	return &candidates[0], nil
}

// consumeQuiet удаляет запись реестра; отсутствие записи не является ошибкой
// (её уже забрала конкурентная доставка).
func (e *Engine) consumeQuiet(ctx context.Context, token string) {
	if _, err := e.registry.Consume(ctx, token); err != nil &&
		!errors.Is(err, repository.ErrPendingDepositNotFound) {
		e.logger.Error("consume pending deposit", zap.String("token", token), zap.Error(err))
	}
}

// complete переводит платёжную попытку в completed и публикует событие об
// успешной оплате. Повторный перевод в completed — no-op без второго события.
func (e *Engine) complete(ctx context.Context, n *gateway.Notification, pd *model.PendingDeposit, entry *model.WalletTransaction) {
	gt := e.lookupGatewayTransaction(ctx, n, pd)
	if gt != nil {
		if gt.ExternalID == "" && n.ExternalID != "" {
			if err := e.store.SetGatewayExternalID(ctx, gt.ID, n.ExternalID); err != nil {
				e.logger.Error("set gateway external id", zap.String("id", gt.ID), zap.Error(err))
			}
		}
		already, err := e.store.TransitionGatewayStatus(ctx, gt.ID, model.GatewayStatusCompleted)
		if err != nil {
			e.logger.Error("complete gateway transaction", zap.String("id", gt.ID), zap.Error(err))
			return
		}
		if already {
			return
		}
	}

	ev := events.PaymentSucceeded{
		TransactionID: entry.Code,
		Amount:        pd.Amount,
	}
	if gt != nil {
		ev.TransactionID = gt.ID
		ev.OrderID = gt.OrderID
	}
	e.events.Publish(ev)
}

// fail переводит платёжную попытку по неуспешному уведомлению в failed.
func (e *Engine) fail(ctx context.Context, n *gateway.Notification) {
	gt := e.lookupGatewayTransaction(ctx, n, nil)
	if gt == nil {
		return
	}
	if _, err := e.store.TransitionGatewayStatus(ctx, gt.ID, model.GatewayStatusFailed); err != nil &&
		!errors.Is(err, repository.ErrTransitionNotAllowed) {
		e.logger.Error("fail gateway transaction", zap.String("id", gt.ID), zap.Error(err))
	}
}

func (e *Engine) lookupGatewayTransaction(ctx context.Context, n *gateway.Notification, pd *model.PendingDeposit) *model.GatewayTransaction {
	if n.ExternalID != "" {
		gt, err := e.store.GetGatewayTransactionByExternalID(ctx, n.ExternalID)
		if err == nil {
			return gt
		}
		if !errors.Is(err, repository.ErrGatewayTransactionNotFound) {
			e.logger.Error("lookup gateway transaction", zap.String("external_id", n.ExternalID), zap.Error(err))
			return nil
		}
	}

	token := n.Token
	if pd != nil {
		token = pd.Token
	}
	if token == "" {
		return nil
	}

	gt, err := e.store.GetGatewayTransactionByOrderID(ctx, token)
	if err != nil {
		if !errors.Is(err, repository.ErrGatewayTransactionNotFound) {
			e.logger.Error("lookup gateway transaction", zap.String("order_id", token), zap.Error(err))
		}
		return nil
	}
	return gt
}
