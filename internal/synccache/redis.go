package synccache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/rueidis"
)

const (
	// KeyPrefix is the Redis key prefix of sync records.
	KeyPrefix = "synced_user:"

	scanBatchSize = 500
)

// RedisStore keeps sync records as expiring Redis keys.
type RedisStore struct {
	client rueidis.Client
}

// NewRedisStore creates a store on the given client.
func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) Get(ctx context.Context, userID snowflake.ID) (time.Time, bool, error) {
	value, err := s.client.Do(ctx, s.client.B().Get().Key(KeyPrefix+userID.String()).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get sync record: %w", err)
	}

	syncedAt, err := parseUnix(value)
	if err != nil {
		return time.Time{}, false, err
	}

	return syncedAt, true, nil
}

func (s *RedisStore) Set(ctx context.Context, userID snowflake.ID, syncedAt time.Time, ttl time.Duration) error {
	cmd := s.client.B().Set().
		Key(KeyPrefix + userID.String()).
		Value(strconv.FormatInt(syncedAt.Unix(), 10)).
		Ex(ttl).
		Build()

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set sync record: %w", err)
	}

	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID snowflake.ID) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(KeyPrefix+userID.String()).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete sync record: %w", err)
	}

	return nil
}

// Entries scans every sync record with cursor-based iteration.
func (s *RedisStore) Entries(ctx context.Context) (map[snowflake.ID]time.Time, error) {
	entries := make(map[snowflake.ID]time.Time)
	cursor := uint64(0)

	for {
		result := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(KeyPrefix+"*").Count(scanBatchSize).Build())

		scan, err := result.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync records: %w", err)
		}

		if len(scan.Elements) > 0 {
			// MGet splits the keys by slot
			values, err := rueidis.MGet(s.client, ctx, scan.Elements)
			if err != nil {
				return nil, fmt.Errorf("failed to read sync records: %w", err)
			}

			for key, message := range values {
				userID, err := snowflake.Parse(strings.TrimPrefix(key, KeyPrefix))
				if err != nil {
					continue
				}

				// Keys can expire between SCAN and MGET
				value, err := message.ToString()
				if err != nil {
					continue
				}

				syncedAt, err := parseUnix(value)
				if err != nil {
					continue
				}

				entries[userID] = syncedAt
			}
		}

		if scan.Cursor == 0 {
			break
		}

		cursor = scan.Cursor
	}

	return entries, nil
}

// Close is a no-op; the client belongs to the Redis manager.
func (s *RedisStore) Close() error {
	return nil
}

func parseUnix(value string) (time.Time, error) {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync record %q: %w", value, err)
	}

	return time.Unix(seconds, 0), nil
}
