// Redis-backed open-position snapshots. The snapshot is overwritten on
// every change and read back once at startup for resume. When Redis is
// unavailable the store falls back to an in-memory copy so trading
// continues without interruption (resume across restart is then lost).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"straddle-trading-engine/internal/ledger"
)

const (
	// openPositionsKey holds the JSON snapshot of all open positions.
	openPositionsKey = "straddle:positions:open"

	// snapshotTTL keeps stale snapshots from resurrecting long-dead
	// positions after an extended outage.
	snapshotTTL = 7 * 24 * time.Hour
)

// RedisPositionSnapshots persists open positions to Redis with an
// in-memory fallback.
type RedisPositionSnapshots struct {
	client    *redis.Client
	log       zerolog.Logger
	fallback  []ledger.Position
	mu        sync.Mutex
	available atomic.Bool
}

// NewRedisPositionSnapshots probes the connection once; a nil client means
// memory-only mode.
func NewRedisPositionSnapshots(client *redis.Client, logger zerolog.Logger) *RedisPositionSnapshots {
	s := &RedisPositionSnapshots{
		client: client,
		log:    logger.With().Str("component", "RedisPositions").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.log.Warn().Err(err).Msg("redis unavailable at startup, using in-memory snapshots")
		} else {
			s.available.Store(true)
		}
	} else {
		s.log.Info().Msg("no redis client, snapshots are memory-only")
	}

	return s
}

// Save overwrites the snapshot with the current open-position set.
func (s *RedisPositionSnapshots) Save(ctx context.Context, positions []ledger.Position) error {
	s.mu.Lock()
	s.fallback = append([]ledger.Position(nil), positions...)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshaling position snapshot: %w", err)
	}

	if err := s.client.Set(ctx, openPositionsKey, data, snapshotTTL).Err(); err != nil {
		if s.available.Swap(false) {
			s.log.Warn().Err(err).Msg("redis save failed, falling back to memory")
		}
		return nil
	}
	s.available.Store(true)
	return nil
}

// Load reads the last saved snapshot, preferring Redis.
func (s *RedisPositionSnapshots) Load(ctx context.Context) ([]ledger.Position, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, openPositionsKey).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err == nil:
			var positions []ledger.Position
			if uerr := json.Unmarshal(data, &positions); uerr != nil {
				return nil, fmt.Errorf("unmarshaling position snapshot: %w", uerr)
			}
			return positions, nil
		default:
			s.log.Warn().Err(err).Msg("redis load failed, using in-memory snapshot")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Position(nil), s.fallback...), nil
}
