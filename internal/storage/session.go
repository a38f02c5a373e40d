package storage

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// collectionLock records which mode a session holds on a (user, collection)
// key. A single tagged value per key keeps escalation detection to one
// comparison.
type collectionLock int

const (
	lockRead collectionLock = iota + 1
	lockWrite
)

type lockKey struct {
	userID       int64
	collectionID int32
}

const (
	opLockForRead     = "storage.lock_for_read"
	opLockForWrite    = "storage.lock_for_write"
	opResolveColl     = "storage.resolve_collection"
	opCreateColl      = "storage.create_collection"
	opTouchColl       = "storage.touch_collection"
	opCollModified    = "storage.collection_modified"
	opSessionCommit   = "storage.session.commit"
	opSessionRollback = "storage.session.rollback"
)

// Session is one unit of work bound to one pooled connection. It carries a
// fixed reference timestamp, the per-collection lock table and a cache of
// observed collection modified values. Sessions are single-owner and never
// shared across goroutines.
type Session struct {
	tx            *gorm.DB
	timestamp     int64
	locks         map[lockKey]collectionLock
	modifiedCache map[lockKey]int64
	cache         *CollectionCache
	logger        *zap.Logger
	batchLifetime int64
	closed        bool
}

// Timestamp returns the session's fixed reference time in milliseconds since
// the Unix epoch.
func (s *Session) Timestamp() int64 {
	return s.timestamp
}

// Commit ends the session, making its writes durable and releasing its row
// locks.
func (s *Session) Commit() error {
	if s.closed {
		return newStoreError(opSessionCommit, "session_closed", ErrSessionClosed)
	}
	s.closed = true
	if err := s.tx.Commit().Error; err != nil {
		s.logError(opSessionCommit, "commit_failed", err)
		return newStoreError(opSessionCommit, "commit_failed", err)
	}
	return nil
}

// Rollback ends the session discarding its writes. Safe to defer after a
// successful Commit.
func (s *Session) Rollback() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback().Error; err != nil {
		s.logError(opSessionRollback, "rollback_failed", err)
		return newStoreError(opSessionRollback, "rollback_failed", err)
	}
	return nil
}

// LockForRead establishes the session's read boundary over one user's
// collection. A collection that does not exist yet is not an error: the
// session still records a read lock (under the sentinel id 0) so the view
// stays consistent for its duration. Re-locking a key already held in
// either mode is a no-op.
func (s *Session) LockForRead(userID UserID, collection CollectionName) error {
	if s.closed {
		return newStoreError(opLockForRead, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if errors.Is(err, ErrCollectionNotFound) {
		collectionID = 0
	} else if err != nil {
		return err
	}

	key := lockKey{userID: userID.Int64(), collectionID: collectionID}
	if _, held := s.locks[key]; held {
		return nil
	}

	var row UserCollection
	err = s.tx.
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("user_id = ? AND collection_id = ?", key.userID, key.collectionID).
		Take(&row).Error
	if err == nil {
		s.modifiedCache[key] = row.Modified
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opLockForRead, "lock_select_failed", err,
			zap.Int64("user_id", key.userID),
			zap.Int32("collection_id", key.collectionID))
		return newStoreError(opLockForRead, "lock_select_failed", err)
	}

	s.locks[key] = lockRead
	return nil
}

// LockForWrite establishes the session's write boundary, creating the
// collection if needed. Escalating an existing read lock is a programmer
// error. The acquisition fails with ErrConflict when the observed modified
// value is not strictly behind the session timestamp, since committing such
// a write could regress the collection's change token.
func (s *Session) LockForWrite(userID UserID, collection CollectionName) error {
	if s.closed {
		return newStoreError(opLockForWrite, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getOrCreateCollectionID(collection.String())
	if err != nil {
		return err
	}

	key := lockKey{userID: userID.Int64(), collectionID: collectionID}
	if s.locks[key] == lockRead {
		s.logError(opLockForWrite, "escalation_forbidden", ErrLockEscalation,
			zap.Int64("user_id", key.userID),
			zap.Int32("collection_id", key.collectionID))
		return newStoreError(opLockForWrite, "escalation_forbidden", ErrLockEscalation)
	}

	var row UserCollection
	err = s.tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND collection_id = ?", key.userID, key.collectionID).
		Take(&row).Error
	if err == nil {
		if row.Modified >= s.timestamp {
			return newStoreError(opLockForWrite, "timestamp_conflict", ErrConflict)
		}
		s.modifiedCache[key] = row.Modified
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opLockForWrite, "lock_select_failed", err,
			zap.Int64("user_id", key.userID),
			zap.Int32("collection_id", key.collectionID))
		return newStoreError(opLockForWrite, "lock_select_failed", err)
	}

	s.locks[key] = lockWrite
	return nil
}

// getCollectionID resolves a collection name through the shared cache,
// falling back to the store on a miss.
func (s *Session) getCollectionID(name string) (int32, error) {
	if id, ok := s.cache.GetID(name); ok {
		return id, nil
	}

	var row Collection
	err := s.tx.Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrCollectionNotFound
	}
	if err != nil {
		s.logError(opResolveColl, "select_failed", err, zap.String("collection", name))
		return 0, newStoreError(opResolveColl, "select_failed", err)
	}
	s.cache.Put(row.ID, row.Name)
	return row.ID, nil
}

// getOrCreateCollectionID resolves a name, lazily creating the binding on
// first reference.
func (s *Session) getOrCreateCollectionID(name string) (int32, error) {
	id, err := s.getCollectionID(name)
	if errors.Is(err, ErrCollectionNotFound) {
		return s.createCollection(name)
	}
	return id, err
}

// createCollection inserts a new name binding. A concurrent session may have
// raced the insert; the conflict is ignored and the row re-read so both
// sessions converge on one id.
func (s *Session) createCollection(name string) (int32, error) {
	row := Collection{Name: name}
	err := s.tx.
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		s.logError(opCreateColl, "insert_failed", err, zap.String("collection", name))
		return 0, newStoreError(opCreateColl, "insert_failed", err)
	}
	if row.ID == 0 {
		if err := s.tx.Where("name = ?", name).Take(&row).Error; err != nil {
			s.logError(opCreateColl, "reselect_failed", err, zap.String("collection", name))
			return 0, newStoreError(opCreateColl, "reselect_failed", err)
		}
	}
	s.cache.Put(row.ID, row.Name)
	return row.ID, nil
}

// touchCollection upserts the collection's modified value to the session
// timestamp. Monotonicity was already enforced by the write lock, so the
// overwrite is unconditional; repeated touches within one session are
// idempotent.
func (s *Session) touchCollection(userID int64, collectionID int32) (int64, error) {
	err := s.tx.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "collection_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"modified": s.timestamp}),
		}).
		Create(&UserCollection{UserID: userID, CollectionID: collectionID, Modified: s.timestamp}).Error
	if err != nil {
		s.logError(opTouchColl, "upsert_failed", err,
			zap.Int64("user_id", userID),
			zap.Int32("collection_id", collectionID))
		return 0, newStoreError(opTouchColl, "upsert_failed", err)
	}
	key := lockKey{userID: userID, collectionID: collectionID}
	s.modifiedCache[key] = s.timestamp
	return s.timestamp, nil
}

// CollectionModified returns the last-write timestamp of one user's
// collection, preferring the value observed under the session's lock.
func (s *Session) CollectionModified(userID UserID, collection CollectionName) (int64, error) {
	if s.closed {
		return 0, newStoreError(opCollModified, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return 0, err
	}
	key := lockKey{userID: userID.Int64(), collectionID: collectionID}
	if modified, ok := s.modifiedCache[key]; ok {
		return modified, nil
	}

	var row UserCollection
	err = s.tx.
		Where("user_id = ? AND collection_id = ?", key.userID, key.collectionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrCollectionNotFound
	}
	if err != nil {
		s.logError(opCollModified, "select_failed", err,
			zap.Int64("user_id", key.userID),
			zap.Int32("collection_id", key.collectionID))
		return 0, newStoreError(opCollModified, "select_failed", err)
	}
	return row.Modified, nil
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("storage session error", attrs...)
}
