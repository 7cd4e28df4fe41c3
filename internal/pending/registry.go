// Package pending реализует реестр ожидаемых зачислений. Записи хранятся в той
// же БД, что и кошельки, и переживают рестарт процесса; карта в памяти служит
// только горячим кэшем.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/wallet-system/internal/model"
)

// tokenPrefix — префикс корреляционного токена, который пользователь указывает
// в назначении банковского перевода.
const tokenPrefix = "DEPOSIT_DEP"

// tokenSuffixAlphabet — алфавит суффикса токена: только буквы. Цифра в начале
// суффикса сливалась бы с меткой времени в один числовой сегмент, когда банк
// вырезает разделители из назначения перевода.
const tokenSuffixAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ"

// Store описывает контракт долговременного хранилища реестра.
type Store interface {
	PutPendingDeposit(ctx context.Context, pd *model.PendingDeposit) error
	GetPendingDeposit(ctx context.Context, token string) (*model.PendingDeposit, error)
	ListLivePendingDeposits(ctx context.Context) ([]model.PendingDeposit, error)
	ConsumePendingDeposit(ctx context.Context, token string) (*model.PendingDeposit, error)
	DeleteExpiredPendingDeposits(ctx context.Context) (int64, error)
}

// Registry — реестр ожидаемых зачислений с TTL.
type Registry struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]model.PendingDeposit
}

// NewRegistry создаёт реестр с указанным временем жизни записей.
func NewRegistry(store Store, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]model.PendingDeposit),
	}
}

// NewToken генерирует корреляционный токен вида DEPOSIT_DEP_<unix>_<суффикс>.
// Числовой сегмент участвует в составном сопоставлении при сверке.
func NewToken(now time.Time) string {
	id := uuid.New()
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = tokenSuffixAlphabet[int(id[i])%len(tokenSuffixAlphabet)]
	}
	return fmt.Sprintf("%s_%d_%s", tokenPrefix, now.Unix(), suffix)
}

// Create регистрирует ожидаемое зачисление. Пустой token заменяется сгенерированным.
func (r *Registry) Create(ctx context.Context, ownerID string, amount int64, method model.PaymentMethod, token string) (*model.PendingDeposit, error) {
	now := time.Now()
	if token == "" {
		token = NewToken(now)
	}

	pd := &model.PendingDeposit{
		Token:     token,
		OwnerID:   ownerID,
		OwnerType: model.OwnerTypeUser,
		Amount:    amount,
		Method:    method,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	if err := r.store.PutPendingDeposit(ctx, pd); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[pd.Token] = *pd
	r.mu.Unlock()

	return pd, nil
}

// Lookup возвращает живую запись по точному токену.
func (r *Registry) Lookup(ctx context.Context, token string) (*model.PendingDeposit, error) {
	r.mu.Lock()
	if pd, ok := r.cache[token]; ok && !pd.Expired(time.Now()) {
		r.mu.Unlock()
		return &pd, nil
	}
	r.mu.Unlock()

	return r.store.GetPendingDeposit(ctx, token)
}

// LookupAll возвращает все живые записи. Хранилище авторитетно: кэш после
// рестарта пуст, а сверка обязана видеть записи, созданные до него.
func (r *Registry) LookupAll(ctx context.Context) ([]model.PendingDeposit, error) {
	list, err := r.store.ListLivePendingDeposits(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, pd := range list {
		r.cache[pd.Token] = pd
	}
	r.mu.Unlock()

	return list, nil
}

// Consume атомарно удаляет запись по токену и возвращает её. Конкурентные
// доставки одного уведомления получают запись не более одного раза.
func (r *Registry) Consume(ctx context.Context, token string) (*model.PendingDeposit, error) {
	pd, err := r.store.ConsumePendingDeposit(ctx, token)

	r.mu.Lock()
	delete(r.cache, token)
	r.mu.Unlock()

	return pd, err
}

// StartExpirySweep запускает фоновую очистку истёкших записей.
func (r *Registry) StartExpirySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := r.store.DeleteExpiredPendingDeposits(ctx)
				if err != nil {
					r.logger.Error("pending deposit sweep error", zap.Error(err))
					continue
				}
				if removed > 0 {
					r.evictExpired()
					r.logger.Info("expired pending deposits removed", zap.Int64("count", removed))
				}
			}
		}
	}()
}

func (r *Registry) evictExpired() {
	now := time.Now()
	r.mu.Lock()
	for token, pd := range r.cache {
		if pd.Expired(now) {
			delete(r.cache, token)
		}
	}
	r.mu.Unlock()
}
