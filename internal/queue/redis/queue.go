// Package redis provides a Redis list backed job queue so several scraper
// processes can share one backlog.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

const defaultPoll = time.Second

// Config names the list and how long a blocking pop waits per round.
type Config struct {
	Key  string
	Poll time.Duration
}

// Queue pushes JSON encoded items onto a Redis list and pops them FIFO.
type Queue struct {
	client redis.UniversalClient
	key    string
	poll   time.Duration
}

// New builds a Queue on an existing client.
func New(client redis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = "scraper:queue"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	return &Queue{client: client, key: cfg.Key, poll: cfg.Poll}, nil
}

// Enqueue appends an item to the tail of the list.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks until an item is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BLPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return scrape.QueueItem{}, fmt.Errorf("blpop %s: %w", q.key, err)
		}
		// res is [key, value].
		var item scrape.QueueItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return scrape.QueueItem{}, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

// Len reports the backlog length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return n, nil
}
