// Package directory публикует запущенные сессии в Redis, чтобы клиенты
// и матчмейкер могли найти сервер с лобби.
package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/logging"
)

// KeyPrefix префикс ключей сессий
const KeyPrefix = "charsync:session:"

// Entry объявление сессии
type Entry struct {
	SessionID string
	Address   string
	Transport string
	State     string
	Players   int
	Ready     int
	UpdatedAt time.Time
}

// Source возвращает текущее объявление; ok == false: объявлять нечего
type Source func() (Entry, bool)

// RedisDirectory хэш charsync:session:<id> с TTL, обновляемый фоновым циклом
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// New подключается к Redis и проверяет соединение
func New(ctx context.Context, cfg config.DirectoryConfig) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL), nil
}

// NewWithClient использует готовый клиент
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisDirectory{client: client, ttl: ttl, logger: logging.GetComponentLogger("directory")}
}

// Announce записывает объявление и продлевает TTL
func (d *RedisDirectory) Announce(ctx context.Context, e Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("announce: пустой id сессии")
	}
	key := KeyPrefix + e.SessionID
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, key, encode(e))
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove удаляет объявление (при остановке сервера)
func (d *RedisDirectory) Remove(ctx context.Context, sessionID string) error {
	return d.client.Del(ctx, KeyPrefix+sessionID).Err()
}

// List все живые объявления
func (d *RedisDirectory) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	iter := d.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fields, err := d.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // истёк между SCAN и HGETALL
		}
		entries = append(entries, decode(strings.TrimPrefix(iter.Val(), KeyPrefix), fields))
	}
	return entries, iter.Err()
}

// Run обновляет объявление с периодом ttl/3 до отмены ctx, затем удаляет его
func (d *RedisDirectory) Run(ctx context.Context, src Source) {
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	var last string
	announce := func() {
		e, ok := src()
		if !ok {
			return
		}
		last = e.SessionID
		if err := d.Announce(ctx, e); err != nil {
			d.logger.Warn("объявление сессии %s: %v", e.SessionID, err)
		}
	}

	announce()
	for {
		select {
		case <-ticker.C:
			announce()
		case <-ctx.Done():
			if last != "" {
				rmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := d.Remove(rmCtx, last); err != nil {
					d.logger.Warn("удаление объявления %s: %v", last, err)
				}
				cancel()
			}
			return
		}
	}
}

// Close закрывает клиента
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func encode(e Entry) map[string]interface{} {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"address":    e.Address,
		"transport":  e.Transport,
		"state":      e.State,
		"players":    e.Players,
		"ready":      e.Ready,
		"updated_at": updated.UTC().Unix(),
	}
}

func decode(id string, f map[string]string) Entry {
	players, _ := strconv.Atoi(f["players"])
	ready, _ := strconv.Atoi(f["ready"])
	updated, _ := strconv.ParseInt(f["updated_at"], 10, 64)
	return Entry{
		SessionID: id,
		Address:   f["address"],
		Transport: f["transport"],
		State:     f["state"],
		Players:   players,
		Ready:     ready,
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}
}
