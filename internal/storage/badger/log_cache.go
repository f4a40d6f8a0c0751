package badger

import (
	"context"
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/interfaces"
)

// logCachePrefix namespaces cached bodies away from badgerhold records
// sharing the database.
const logCachePrefix = "logcache_"

// LogCache stores fetched log bodies with a TTL, using the value log's
// native entry expiry. The cache is opt-in: analyses only write here
// when cache_log_bodies is configured.
type LogCache struct {
	db         *BadgerDB
	defaultTTL time.Duration
	logger     arbor.ILogger
}

// NewLogCache creates a LogCache instance. Puts that pass no TTL use
// defaultTTL; zero for both means entries never expire.
func NewLogCache(db *BadgerDB, defaultTTL time.Duration, logger arbor.ILogger) interfaces.LogCache {
	return &LogCache{
		db:         db,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

func cacheKey(logID string) []byte {
	return []byte(logCachePrefix + logID)
}

func (c *LogCache) Put(ctx context.Context, logID, body string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(cacheKey(logID), []byte(body))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *LogCache) Get(ctx context.Context, logID string) (string, bool) {
	var body string
	err := c.db.Store().Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(cacheKey(logID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			body = string(val)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("log_id", logID).Msg("Log cache read failed")
		return "", false
	}
	return body, true
}

func (c *LogCache) Delete(ctx context.Context, logID string) error {
	return c.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(cacheKey(logID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
