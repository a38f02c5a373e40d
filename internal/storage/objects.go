package storage

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPutObject        = "storage.put_object"
	opGetObject        = "storage.get_object"
	opListObjects      = "storage.list_objects"
	opObjectModified   = "storage.object_modified"
	opDeleteObjects    = "storage.delete_objects"
	opDeleteCollection = "storage.delete_collection"
	opDeleteAll        = "storage.delete_all"
	opPostObjects      = "storage.post_objects"
)

// maxIDFilterEntries caps the explicit id filter of ListObjects; excess
// entries are truncated, validation of the cap belongs to the request layer.
const maxIDFilterEntries = 100

// Sorting selects the order of ListObjects results.
type Sorting int

const (
	// SortNone leaves results unordered.
	SortNone Sorting = iota
	// SortIndex orders by sortindex, highest first.
	SortIndex
	// SortNewest orders by modified, most recent first.
	SortNewest
	// SortOldest orders by modified, oldest first.
	SortOldest
)

// PutObjectParams describes one object write. Nil optional fields are left
// untouched on an existing row.
type PutObjectParams struct {
	UserID     UserID
	Collection CollectionName
	ID         ObjectID
	Payload    *string
	SortIndex  *int32
	// TTL in seconds, relative to the session timestamp.
	TTL *int64
}

// Object is the visible projection of a stored object.
type Object struct {
	ID        string `json:"id"`
	Modified  int64  `json:"modified"`
	Payload   string `json:"payload"`
	SortIndex *int32 `json:"sortindex,omitempty"`
}

// ListObjectsParams describes a filtered, sorted, paginated read.
type ListObjectsParams struct {
	UserID     UserID
	Collection CollectionName
	IDs        []string
	// Older and Newer are exclusive bounds on modified.
	Older *int64
	Newer *int64
	Sort  Sorting
	// Limit < 0 means unbounded.
	Limit  int64
	Offset int64
}

// ObjectList is one page of ListObjects results.
type ObjectList struct {
	Objects    []Object
	More       bool
	NextOffset int64
}

// PostItem is one element of a batch post.
type PostItem struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int32  `json:"sortindex,omitempty"`
	TTL       *int64  `json:"ttl,omitempty"`
}

// PostResult reports the per-item outcomes of a batch post.
type PostResult struct {
	Modified int64             `json:"modified"`
	Success  []string          `json:"success"`
	Failed   map[string]string `json:"failed"`
}

// PutObject writes one object. An existing row is updated in place: only the
// supplied fields change, and modified advances only when payload or
// sortindex was supplied (a ttl-only write recomputes expiry without
// producing a new change token for the object itself). The owning
// collection is always touched; its refreshed modified value is returned.
func (s *Session) PutObject(params PutObjectParams) (int64, error) {
	if s.closed {
		return 0, newStoreError(opPutObject, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getOrCreateCollectionID(params.Collection.String())
	if err != nil {
		return 0, err
	}
	userID := params.UserID.Int64()

	var existing StorageObject
	err = s.tx.
		Where("user_id = ? AND collection_id = ? AND id = ?", userID, collectionID, params.ID.String()).
		Take(&existing).Error
	switch {
	case err == nil:
		updates := make(map[string]interface{}, 4)
		if params.Payload != nil {
			updates["payload"] = *params.Payload
		}
		if params.SortIndex != nil {
			updates["sortindex"] = *params.SortIndex
		}
		if params.TTL != nil {
			updates["expiry"] = s.timestamp + *params.TTL*1000
		}
		if params.Payload != nil || params.SortIndex != nil {
			updates["modified"] = s.timestamp
		}
		if len(updates) > 0 {
			err = s.tx.Model(&StorageObject{}).
				Where("user_id = ? AND collection_id = ? AND id = ?", userID, collectionID, params.ID.String()).
				Updates(updates).Error
			if err != nil {
				s.logError(opPutObject, "update_failed", err,
					zap.Int64("user_id", userID),
					zap.String("object_id", params.ID.String()))
				return 0, newStoreError(opPutObject, "update_failed", err)
			}
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := StorageObject{
			UserID:       userID,
			CollectionID: collectionID,
			ID:           params.ID.String(),
			SortIndex:    params.SortIndex,
			Modified:     s.timestamp,
		}
		if params.Payload != nil {
			row.Payload = *params.Payload
		}
		ttl := int64(DefaultObjectTTL)
		if params.TTL != nil {
			ttl = *params.TTL
		}
		row.Expiry = s.timestamp + ttl*1000
		if err := s.tx.Create(&row).Error; err != nil {
			s.logError(opPutObject, "insert_failed", err,
				zap.Int64("user_id", userID),
				zap.String("object_id", params.ID.String()))
			return 0, newStoreError(opPutObject, "insert_failed", err)
		}
	default:
		s.logError(opPutObject, "select_failed", err,
			zap.Int64("user_id", userID),
			zap.String("object_id", params.ID.String()))
		return 0, newStoreError(opPutObject, "select_failed", err)
	}

	return s.touchCollection(userID, collectionID)
}

// GetObject returns one live object, treating expired rows as absent.
func (s *Session) GetObject(userID UserID, collection CollectionName, id ObjectID) (Object, error) {
	if s.closed {
		return Object{}, newStoreError(opGetObject, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return Object{}, err
	}

	var row StorageObject
	err = s.tx.
		Where("user_id = ? AND collection_id = ? AND id = ? AND expiry > ?",
			userID.Int64(), collectionID, id.String(), s.timestamp).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Object{}, ErrItemNotFound
	}
	if err != nil {
		s.logError(opGetObject, "select_failed", err,
			zap.Int64("user_id", userID.Int64()),
			zap.String("object_id", id.String()))
		return Object{}, newStoreError(opGetObject, "select_failed", err)
	}
	return Object{ID: row.ID, Modified: row.Modified, Payload: row.Payload, SortIndex: row.SortIndex}, nil
}

// ObjectModified returns the last-write timestamp of one object, ignoring
// expiry so change detection works even on rows awaiting cleanup.
func (s *Session) ObjectModified(userID UserID, collection CollectionName, id ObjectID) (int64, error) {
	if s.closed {
		return 0, newStoreError(opObjectModified, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return 0, err
	}
	var row StorageObject
	err = s.tx.
		Select("modified").
		Where("user_id = ? AND collection_id = ? AND id = ?", userID.Int64(), collectionID, id.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrItemNotFound
	}
	if err != nil {
		s.logError(opObjectModified, "select_failed", err,
			zap.Int64("user_id", userID.Int64()),
			zap.String("object_id", id.String()))
		return 0, newStoreError(opObjectModified, "select_failed", err)
	}
	return row.Modified, nil
}

// ListObjects returns one page of live objects matching the filters. The
// query fetches one row beyond the limit to learn whether another page
// exists without a second round-trip.
func (s *Session) ListObjects(params ListObjectsParams) (ObjectList, error) {
	if s.closed {
		return ObjectList{}, newStoreError(opListObjects, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(params.Collection.String())
	if err != nil {
		return ObjectList{}, err
	}

	query := s.tx.Model(&StorageObject{}).
		Where("user_id = ? AND collection_id = ?", params.UserID.Int64(), collectionID).
		Where("expiry > ?", s.timestamp)
	if params.Older != nil {
		query = query.Where("modified < ?", *params.Older)
	}
	if params.Newer != nil {
		query = query.Where("modified > ?", *params.Newer)
	}
	if len(params.IDs) > 0 {
		ids := params.IDs
		if len(ids) > maxIDFilterEntries {
			ids = ids[:maxIDFilterEntries]
		}
		query = query.Where("id IN ?", ids)
	}

	switch params.Sort {
	case SortIndex:
		query = query.Order("sortindex DESC")
	case SortNewest:
		query = query.Order("modified DESC")
	case SortOldest:
		query = query.Order("modified ASC")
	}

	if params.Limit >= 0 {
		query = query.Limit(int(params.Limit) + 1)
	}
	if params.Offset != 0 {
		query = query.Offset(int(params.Offset))
	}

	var rows []StorageObject
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opListObjects, "query_failed", err,
			zap.Int64("user_id", params.UserID.Int64()),
			zap.String("collection", params.Collection.String()))
		return ObjectList{}, newStoreError(opListObjects, "query_failed", err)
	}

	result := ObjectList{}
	if params.Limit >= 0 && int64(len(rows)) > params.Limit {
		rows = rows[:params.Limit]
		result.More = true
		result.NextOffset = params.Offset + params.Limit
	}
	result.Objects = make([]Object, 0, len(rows))
	for _, row := range rows {
		result.Objects = append(result.Objects, Object{
			ID:        row.ID,
			Modified:  row.Modified,
			Payload:   row.Payload,
			SortIndex: row.SortIndex,
		})
	}
	return result, nil
}

// DeleteObject removes one object and touches the collection.
func (s *Session) DeleteObject(userID UserID, collection CollectionName, id ObjectID) (int64, error) {
	return s.DeleteObjects(userID, collection, []string{id.String()})
}

// DeleteObjects removes the matching objects; ids that do not exist are not
// an error at this layer. The collection is touched regardless and its new
// modified value returned.
func (s *Session) DeleteObjects(userID UserID, collection CollectionName, ids []string) (int64, error) {
	if s.closed {
		return 0, newStoreError(opDeleteObjects, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return 0, err
	}
	err = s.tx.
		Where("user_id = ? AND collection_id = ? AND id IN ?", userID.Int64(), collectionID, ids).
		Delete(&StorageObject{}).Error
	if err != nil {
		s.logError(opDeleteObjects, "delete_failed", err,
			zap.Int64("user_id", userID.Int64()),
			zap.String("collection", collection.String()))
		return 0, newStoreError(opDeleteObjects, "delete_failed", err)
	}
	return s.touchCollection(userID.Int64(), collectionID)
}

// DeleteCollection removes every object under the pair plus the
// UserCollection row itself. Deleting a pair that never existed is
// ErrCollectionNotFound; otherwise the user's remaining storage-modified
// timestamp is returned.
func (s *Session) DeleteCollection(userID UserID, collection CollectionName) (int64, error) {
	if s.closed {
		return 0, newStoreError(opDeleteCollection, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return 0, err
	}

	objects := s.tx.
		Where("user_id = ? AND collection_id = ?", userID.Int64(), collectionID).
		Delete(&StorageObject{})
	if objects.Error != nil {
		s.logError(opDeleteCollection, "objects_delete_failed", objects.Error,
			zap.Int64("user_id", userID.Int64()),
			zap.String("collection", collection.String()))
		return 0, newStoreError(opDeleteCollection, "objects_delete_failed", objects.Error)
	}
	tracking := s.tx.
		Where("user_id = ? AND collection_id = ?", userID.Int64(), collectionID).
		Delete(&UserCollection{})
	if tracking.Error != nil {
		s.logError(opDeleteCollection, "tracking_delete_failed", tracking.Error,
			zap.Int64("user_id", userID.Int64()),
			zap.String("collection", collection.String()))
		return 0, newStoreError(opDeleteCollection, "tracking_delete_failed", tracking.Error)
	}
	if objects.RowsAffected+tracking.RowsAffected == 0 {
		return 0, ErrCollectionNotFound
	}
	delete(s.modifiedCache, lockKey{userID: userID.Int64(), collectionID: collectionID})
	return s.StorageModified(userID)
}

// DeleteAll removes every object and collection tracking row the user owns.
func (s *Session) DeleteAll(userID UserID) error {
	if s.closed {
		return newStoreError(opDeleteAll, "session_closed", ErrSessionClosed)
	}
	if err := s.tx.Where("user_id = ?", userID.Int64()).Delete(&StorageObject{}).Error; err != nil {
		s.logError(opDeleteAll, "objects_delete_failed", err, zap.Int64("user_id", userID.Int64()))
		return newStoreError(opDeleteAll, "objects_delete_failed", err)
	}
	if err := s.tx.Where("user_id = ?", userID.Int64()).Delete(&UserCollection{}).Error; err != nil {
		s.logError(opDeleteAll, "tracking_delete_failed", err, zap.Int64("user_id", userID.Int64()))
		return newStoreError(opDeleteAll, "tracking_delete_failed", err)
	}
	return nil
}

// PostObjects applies a batch of writes best-effort: each item is put
// independently, failures land in a per-id reason map without aborting the
// rest, and the collection is touched exactly once at the end.
func (s *Session) PostObjects(userID UserID, collection CollectionName, items []PostItem) (PostResult, error) {
	if s.closed {
		return PostResult{}, newStoreError(opPostObjects, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getOrCreateCollectionID(collection.String())
	if err != nil {
		return PostResult{}, err
	}

	result := PostResult{
		Modified: s.timestamp,
		Success:  make([]string, 0, len(items)),
		Failed:   make(map[string]string),
	}
	for _, item := range items {
		objectID, err := NewObjectID(item.ID)
		if err != nil {
			result.Failed[item.ID] = err.Error()
			continue
		}
		_, err = s.PutObject(PutObjectParams{
			UserID:     userID,
			Collection: collection,
			ID:         objectID,
			Payload:    item.Payload,
			SortIndex:  item.SortIndex,
			TTL:        item.TTL,
		})
		if err != nil {
			result.Failed[item.ID] = err.Error()
			continue
		}
		result.Success = append(result.Success, item.ID)
	}

	if _, err := s.touchCollection(userID.Int64(), collectionID); err != nil {
		return PostResult{}, err
	}
	return result, nil
}
