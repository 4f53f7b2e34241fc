// Package lock предоставляет взаимное исключение по ключу: в памяти процесса или через Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotAcquired возвращается, если блокировку не удалось взять до отмены контекста.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker берёт блокировку по ключу. Возвращённая функция снимает её и безопасна для повторного вызова.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ItemKey возвращает ключ блокировки лота.
func ItemKey(itemID int64) string {
	return fmt.Sprintf("auction:item:%d", itemID)
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex выдаёт блокировки по ключу внутри одного процесса.
// Запись о ключе удаляется, когда её больше никто не ждёт.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex создаёт пустой набор блокировок.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock ждёт освобождения ключа или отмены контекста.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
