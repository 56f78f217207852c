package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugarmesh/glucolink/internal/storage"
)

type entryStore struct {
	client *redis.Client
}

func entriesKey(profileID string) string {
	return fmt.Sprintf("glucolink:entries:%s", profileID)
}

func entryScore(ts time.Time) float64 {
	return float64(ts.UTC().UnixNano())
}

// Append stores an entry in a sorted set scored by timestamp. Any member
// already holding the same score is replaced, which makes Append an upsert
// on (profile, timestamp).
func (s *entryStore) Append(ctx context.Context, entry storage.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	key := entriesKey(entry.ProfileID)
	score := entryScore(entry.Timestamp)
	scoreStr := strconv.FormatFloat(score, 'f', -1, 64)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, scoreStr, scoreStr)
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(data)})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *entryStore) ExistsAt(ctx context.Context, profileID string, ts time.Time) (bool, error) {
	scoreStr := strconv.FormatFloat(entryScore(ts), 'f', -1, 64)
	count, err := s.client.ZCount(ctx, entriesKey(profileID), scoreStr, scoreStr).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *entryStore) List(ctx context.Context, profileID string, limit int) ([]storage.LogEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	members, err := s.client.ZRevRange(ctx, entriesKey(profileID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]storage.LogEntry, 0, len(members))
	for _, member := range members {
		var entry storage.LogEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *entryStore) Profiles(ctx context.Context) ([]string, error) {
	prefix := entriesKey("")
	pattern := prefix + "*"

	profiles := make([]string, 0)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			profiles = append(profiles, key[len(prefix):])
		}
		if next == 0 {
			return profiles, nil
		}
		cursor = next
	}
}

func (s *entryStore) DeleteBefore(ctx context.Context, profileID string, cutoff time.Time) (int, error) {
	max := strconv.FormatFloat(entryScore(cutoff), 'f', -1, 64)
	deleted, err := s.client.ZRemRangeByScore(ctx, entriesKey(profileID), "-inf", "("+max).Result()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}
