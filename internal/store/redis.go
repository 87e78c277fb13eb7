package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"murmur/internal/model"
)

const defaultRedisPrefix = "murmur:"

// Redis mirrors job records as JSON strings plus an index set of ids.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ""), nil
}

// NewRedis wraps client. An empty prefix uses "murmur:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Client exposes the underlying client so the HTTP layer can share it.
func (r *Redis) Client() *redis.Client { return r.client }

// redisRecord carries the internal cancel flag next to the wire fields.
type redisRecord struct {
	model.Job
	CancelRequested bool `json:"cancelRequested"`
}

func (r *Redis) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *Redis) indexKey() string        { return r.prefix + "jobs" }

func (r *Redis) Save(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(redisRecord{Job: job, CancelRequested: job.CancelRequested})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.jobKey(job.ID), payload, 0)
		p.SAdd(ctx, r.indexKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.jobKey(id))
		p.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (r *Redis) LoadAll(ctx context.Context) ([]model.Job, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	out := make([]model.Job, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record; drop it.
			_ = r.client.SRem(ctx, r.indexKey(), ids[i]).Err()
			continue
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		job := rec.Job
		job.CancelRequested = rec.CancelRequested
		out = append(out, job)
	}
	return out, nil
}

// Ping checks connectivity for the deep health check.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
