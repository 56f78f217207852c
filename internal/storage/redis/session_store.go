package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sugarmesh/glucolink/internal/storage"
)

const sessionIndexKey = "glucolink:sessions"

type sessionStore struct {
	client *redis.Client
}

func sessionKey(id string) string {
	return fmt.Sprintf("glucolink:session:%s", id)
}

func (s *sessionStore) Put(ctx context.Context, record storage.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(record.ID), data, 0)
	pipe.SAdd(ctx, sessionIndexKey, record.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record storage.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &record, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *sessionStore) List(ctx context.Context) ([]storage.SessionRecord, error) {
	ids, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.SessionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err == storage.ErrNotFound {
			// Index can lag behind a deleted key; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}
