package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCache    = errors.New("collection cache is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew     = "storage.store.new"
	opSessionBegin = "storage.session.begin"
)

// StoreConfig captures the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Cache    *CollectionCache
	Clock    func() time.Time
	Logger   *zap.Logger
	// BatchLifetimeSeconds bounds how long staged batches stay committable;
	// zero selects DefaultBatchLifetime.
	BatchLifetimeSeconds int64
}

// Store is the entry point to the storage engine. It owns the connection
// pool handle and the shared collection cache; all reads and writes happen
// through sessions it issues.
type Store struct {
	db            *gorm.DB
	cache         *CollectionCache
	clock         func() time.Time
	logger        *zap.Logger
	batchLifetime int64
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cache == nil {
		return nil, newStoreError(opStoreNew, "missing_cache", errMissingCache)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	batchLifetime := cfg.BatchLifetimeSeconds
	if batchLifetime <= 0 {
		batchLifetime = DefaultBatchLifetime
	}

	return &Store{
		db:            cfg.Database,
		cache:         cfg.Cache,
		clock:         clock,
		logger:        logger,
		batchLifetime: batchLifetime,
	}, nil
}

// Begin checks a connection out of the pool and opens the transaction that
// scopes one session. The session's reference time is fixed here; every
// statement it issues observes the same "now".
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		s.logger.Error("session begin failed", zap.Error(tx.Error))
		return nil, newStoreError(opSessionBegin, "begin_failed", tx.Error)
	}
	return &Session{
		tx:            tx,
		timestamp:     s.clock().UTC().UnixMilli(),
		locks:         make(map[lockKey]collectionLock),
		modifiedCache: make(map[lockKey]int64),
		cache:         s.cache,
		logger:        s.logger,
		batchLifetime: s.batchLifetime,
	}, nil
}
