package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// InvalidateSale drops the cached sale status and the stock levels the sale
// touched, so readers go back to postgres.
func InvalidateSale(ctx context.Context, rdb redis.Cmdable, storeID, saleID string, stockItemIDs []string) error {
	keys := make([]string, 0, len(stockItemIDs)+1)
	keys = append(keys, fmt.Sprintf(KeySaleStatus, saleID))
	for _, id := range stockItemIDs {
		keys = append(keys, fmt.Sprintf(KeyStockLevel, storeID, id))
	}
	return rdb.Del(ctx, keys...).Err()
}

// MarkOnce sets a dedup key and reports whether it was new.
func MarkOnce(ctx context.Context, rdb redis.Cmdable, service, id string) (bool, error) {
	return rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, service, id), "1", TTLDedup).Result()
}
