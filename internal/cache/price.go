// Package cache хранит горячие значения текущих цен лотов в Redis.
// Источником истины остаётся хранилище: промах или ошибка кеша не влияют на корректность.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PriceCache кеширует текущие цены лотов.
type PriceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewPriceCache создаёт кеш с заданным сроком жизни записей.
func NewPriceCache(client redis.UniversalClient, ttl time.Duration) *PriceCache {
	return &PriceCache{client: client, ttl: ttl}
}

func priceKey(itemID int64) string {
	return fmt.Sprintf("auction:price:%d", itemID)
}

// SetPrice записывает цену, только если она выше сохранённой.
// Так поздняя запись устаревшего значения не откатывает цену назад.
func (c *PriceCache) SetPrice(ctx context.Context, itemID, price int64) error {
	if err := setIfHigher.Run(ctx, c.client, []string{priceKey(itemID)}, price, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("cache price of item %d: %w", itemID, err)
	}
	return nil
}

// Price возвращает закешированную цену. ok == false при промахе.
func (c *PriceCache) Price(ctx context.Context, itemID int64) (int64, bool, error) {
	val, err := c.client.Get(ctx, priceKey(itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cached price of item %d: %w", itemID, err)
	}

	price, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached price of item %d: %w", itemID, err)
	}
	return price, true, nil
}

var setIfHigher = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1`)
