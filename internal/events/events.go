// Package events содержит публикацию событий об успешной оплате. Коллаборатор
// заказов подписывается на канал и сам обновляет статус оплаты: ядро кошелька
// в хранилище заказов не пишет.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// PaymentSucceeded — событие о завершённой оплате.
type PaymentSucceeded struct {
	TransactionID string
	OrderID       string
	Amount        int64
}

const subscriberBuffer = 64

// Publisher рассылает события всем подписчикам.
type Publisher struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs []chan PaymentSucceeded
}

// NewPublisher создаёт издатель событий.
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Subscribe возвращает канал, в который будут приходить события об оплате.
func (p *Publisher) Subscribe() <-chan PaymentSucceeded {
	ch := make(chan PaymentSucceeded, subscriberBuffer)

	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	return ch
}

// Publish рассылает событие без блокировки: платёжный поток не должен ждать
// медленного подписчика. Переполненный буфер подписчика логируется.
func (p *Publisher) Publish(ev PaymentSucceeded) {
	p.mu.Lock()
	subs := make([]chan PaymentSucceeded, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("payment event dropped: subscriber buffer full",
				zap.String("transaction_id", ev.TransactionID))
		}
	}
}

// Close закрывает каналы всех подписчиков.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
