package storage

import (
	"database/sql"

	"go.uber.org/zap"
)

const (
	opStorageModified = "storage.storage_modified"
	opCollectionMap   = "storage.collection_modified_map"
	opStorageSize     = "storage.storage_size"
	opCollectionSizes = "storage.collection_sizes"
	opCollectionCount = "storage.collection_counts"
	opCollectionNames = "storage.collection_names"
)

type collectionValueRow struct {
	CollectionID int32
	Value        int64
}

// StorageModified returns the most recent modified value across all the
// user's collections, or 0 when the user has written nothing.
func (s *Session) StorageModified(userID UserID) (int64, error) {
	if s.closed {
		return 0, newStoreError(opStorageModified, "session_closed", ErrSessionClosed)
	}
	var modified sql.NullInt64
	err := s.tx.Model(&UserCollection{}).
		Select("MAX(modified)").
		Where("user_id = ?", userID.Int64()).
		Scan(&modified).Error
	if err != nil {
		s.logError(opStorageModified, "query_failed", err, zap.Int64("user_id", userID.Int64()))
		return 0, newStoreError(opStorageModified, "query_failed", err)
	}
	return modified.Int64, nil
}

// CollectionModifiedMap returns modified timestamps for every collection the
// user has written, keyed by collection name.
func (s *Session) CollectionModifiedMap(userID UserID) (map[string]int64, error) {
	if s.closed {
		return nil, newStoreError(opCollectionMap, "session_closed", ErrSessionClosed)
	}
	var rows []collectionValueRow
	err := s.tx.Model(&UserCollection{}).
		Select("collection_id, modified AS value").
		Where("user_id = ?", userID.Int64()).
		Scan(&rows).Error
	if err != nil {
		s.logError(opCollectionMap, "query_failed", err, zap.Int64("user_id", userID.Int64()))
		return nil, newStoreError(opCollectionMap, "query_failed", err)
	}
	return s.mapCollectionNames(opCollectionMap, rows)
}

// StorageSize returns the summed payload length of all the user's live
// objects.
func (s *Session) StorageSize(userID UserID) (int64, error) {
	if s.closed {
		return 0, newStoreError(opStorageSize, "session_closed", ErrSessionClosed)
	}
	var total sql.NullInt64
	err := s.tx.Model(&StorageObject{}).
		Select("SUM(LENGTH(payload))").
		Where("user_id = ? AND expiry > ?", userID.Int64(), s.timestamp).
		Scan(&total).Error
	if err != nil {
		s.logError(opStorageSize, "query_failed", err, zap.Int64("user_id", userID.Int64()))
		return 0, newStoreError(opStorageSize, "query_failed", err)
	}
	return total.Int64, nil
}

// CollectionSizes returns summed payload lengths of live objects per
// collection name.
func (s *Session) CollectionSizes(userID UserID) (map[string]int64, error) {
	if s.closed {
		return nil, newStoreError(opCollectionSizes, "session_closed", ErrSessionClosed)
	}
	return s.groupedObjectAggregate(opCollectionSizes, userID, "SUM(LENGTH(payload))")
}

// CollectionCounts returns live object counts per collection name.
func (s *Session) CollectionCounts(userID UserID) (map[string]int64, error) {
	if s.closed {
		return nil, newStoreError(opCollectionCount, "session_closed", ErrSessionClosed)
	}
	return s.groupedObjectAggregate(opCollectionCount, userID, "COUNT(collection_id)")
}

func (s *Session) groupedObjectAggregate(operation string, userID UserID, aggregate string) (map[string]int64, error) {
	var rows []collectionValueRow
	err := s.tx.Model(&StorageObject{}).
		Select("collection_id, " + aggregate + " AS value").
		Where("user_id = ? AND expiry > ?", userID.Int64(), s.timestamp).
		Group("collection_id").
		Scan(&rows).Error
	if err != nil {
		s.logError(operation, "query_failed", err, zap.Int64("user_id", userID.Int64()))
		return nil, newStoreError(operation, "query_failed", err)
	}
	return s.mapCollectionNames(operation, rows)
}

// mapCollectionNames rekeys per-collection values from id to name, querying
// the store only for ids the shared cache has not seen.
func (s *Session) mapCollectionNames(operation string, rows []collectionValueRow) (map[string]int64, error) {
	names := make(map[int32]string, len(rows))
	uncached := make([]int32, 0, len(rows))
	for _, row := range rows {
		if name, ok := s.cache.GetName(row.CollectionID); ok {
			names[row.CollectionID] = name
		} else {
			uncached = append(uncached, row.CollectionID)
		}
	}

	if len(uncached) > 0 {
		var resolved []Collection
		if err := s.tx.Where("id IN ?", uncached).Find(&resolved).Error; err != nil {
			s.logError(opCollectionNames, "query_failed", err)
			return nil, newStoreError(opCollectionNames, "query_failed", err)
		}
		for _, collection := range resolved {
			names[collection.ID] = collection.Name
			s.cache.Put(collection.ID, collection.Name)
		}
	}

	result := make(map[string]int64, len(rows))
	for _, row := range rows {
		name, ok := names[row.CollectionID]
		if !ok {
			// A user_collections or objects row pointing at a collection id
			// missing from collections breaks referential integrity.
			s.logError(operation, "unknown_collection_id", nil, zap.Int32("collection_id", row.CollectionID))
			return nil, newStoreError(operation, "unknown_collection_id", ErrCollectionNotFound)
		}
		result[name] = row.Value
	}
	return result, nil
}
