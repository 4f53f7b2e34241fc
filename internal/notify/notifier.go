// Package notify доставляет события торгов во внешние каналы: Kafka, HTTP-вебхук, журнал.
// Доставка best effort: ошибка канала никогда не влияет на операцию, породившую событие.
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/model"
)

// Notifier публикует событие.
type Notifier interface {
	Publish(ctx context.Context, event model.Event) error
}

// LogNotifier пишет события в журнал. Используется, когда внешние каналы не настроены.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт канал, пишущий события в журнал.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Publish пишет событие в журнал на уровне Info.
func (n *LogNotifier) Publish(_ context.Context, event model.Event) error {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.Int64("sessionID", event.SessionID),
		zap.Int64("itemID", event.ItemID),
		zap.Int64("userID", event.UserID),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.OrderID != "" {
		fields = append(fields, zap.String("orderID", event.OrderID))
	}
	if event.Amount != nil {
		fields = append(fields, zap.Int64("amount", *event.Amount))
	}
	n.logger.Info("auction event", fields...)
	return nil
}

// Multi рассылает событие во все каналы и объединяет их ошибки.
type Multi []Notifier

// Publish вызывает Publish у каждого канала.
func (m Multi) Publish(ctx context.Context, event model.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async публикует события из отдельной горутины через буферизованную очередь.
// При переполнении очереди событие отбрасывается.
type Async struct {
	next   Notifier
	queue  chan model.Event
	logger *zap.Logger

	mu      sync.Mutex
	dropped int
}

// NewAsync создаёт асинхронную обёртку над каналом с очередью размера buffer.
func NewAsync(next Notifier, buffer int, logger *zap.Logger) *Async {
	return &Async{
		next:   next,
		queue:  make(chan model.Event, buffer),
		logger: logger,
	}
}

// Publish ставит событие в очередь и никогда не блокируется.
func (a *Async) Publish(_ context.Context, event model.Event) error {
	select {
	case a.queue <- event:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("notification queue full, event dropped", zap.String("type", string(event.Type)))
	}
	return nil
}

// Dropped возвращает число отброшенных событий.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run отправляет события из очереди до отмены контекста.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-a.queue:
			if err := a.next.Publish(ctx, event); err != nil {
				a.logger.Warn("failed to publish event",
					zap.String("type", string(event.Type)),
					zap.Int64("itemID", event.ItemID),
					zap.Error(err),
				)
			}
		}
	}
}
