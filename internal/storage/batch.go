package storage

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrBatchNotFound indicates a staged batch id is unknown or expired.
var ErrBatchNotFound = errors.New("storage: batch not found")

// DefaultBatchLifetime is how long a staged batch stays committable, in
// seconds.
const DefaultBatchLifetime = 7200

const (
	opCreateBatch = "storage.create_batch"
	opAppendBatch = "storage.append_batch"
	opGetBatch    = "storage.get_batch"
	opCommitBatch = "storage.commit_batch"
	opDeleteBatch = "storage.delete_batch"
)

// CreateBatch stages a new upload batch for the pair and returns its opaque
// id. Staging never touches the collection's modified timestamp; only
// CommitBatch produces an observable write.
func (s *Session) CreateBatch(userID UserID, collection CollectionName, items []PostItem) (string, error) {
	if s.closed {
		return "", newStoreError(opCreateBatch, "session_closed", ErrSessionClosed)
	}
	collectionID, err := s.getOrCreateCollectionID(collection.String())
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		s.logError(opCreateBatch, "encode_failed", err)
		return "", newStoreError(opCreateBatch, "encode_failed", err)
	}
	batchID, err := uuid.NewV7()
	if err != nil {
		s.logError(opCreateBatch, "id_generation_failed", err)
		return "", newStoreError(opCreateBatch, "id_generation_failed", err)
	}
	row := StagedBatch{
		ID:           batchID.String(),
		UserID:       userID.Int64(),
		CollectionID: collectionID,
		Items:        string(encoded),
		Expiry:       s.timestamp + s.batchLifetime*1000,
	}
	if err := s.tx.Create(&row).Error; err != nil {
		s.logError(opCreateBatch, "insert_failed", err, zap.Int64("user_id", userID.Int64()))
		return "", newStoreError(opCreateBatch, "insert_failed", err)
	}
	return row.ID, nil
}

// AppendToBatch extends a live batch with more items.
func (s *Session) AppendToBatch(userID UserID, collection CollectionName, batchID string, items []PostItem) error {
	if s.closed {
		return newStoreError(opAppendBatch, "session_closed", ErrSessionClosed)
	}
	row, err := s.getBatchRow(opAppendBatch, userID, collection, batchID)
	if err != nil {
		return err
	}
	staged, err := decodeBatchItems(row.Items)
	if err != nil {
		s.logError(opAppendBatch, "decode_failed", err, zap.String("batch_id", batchID))
		return newStoreError(opAppendBatch, "decode_failed", err)
	}
	encoded, err := json.Marshal(append(staged, items...))
	if err != nil {
		s.logError(opAppendBatch, "encode_failed", err, zap.String("batch_id", batchID))
		return newStoreError(opAppendBatch, "encode_failed", err)
	}
	err = s.tx.Model(&StagedBatch{}).
		Where("id = ?", row.ID).
		Update("items", string(encoded)).Error
	if err != nil {
		s.logError(opAppendBatch, "update_failed", err, zap.String("batch_id", batchID))
		return newStoreError(opAppendBatch, "update_failed", err)
	}
	return nil
}

// ValidateBatch reports whether the batch id refers to a live staged batch
// owned by the pair.
func (s *Session) ValidateBatch(userID UserID, collection CollectionName, batchID string) (bool, error) {
	if s.closed {
		return false, newStoreError(opGetBatch, "session_closed", ErrSessionClosed)
	}
	_, err := s.getBatchRow(opGetBatch, userID, collection, batchID)
	if errors.Is(err, ErrBatchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CommitBatch applies the staged items through PostObjects and discards the
// batch row. The commit is the only point where the staged writes become
// observable.
func (s *Session) CommitBatch(userID UserID, collection CollectionName, batchID string) (PostResult, error) {
	if s.closed {
		return PostResult{}, newStoreError(opCommitBatch, "session_closed", ErrSessionClosed)
	}
	row, err := s.getBatchRow(opCommitBatch, userID, collection, batchID)
	if err != nil {
		return PostResult{}, err
	}
	items, err := decodeBatchItems(row.Items)
	if err != nil {
		s.logError(opCommitBatch, "decode_failed", err, zap.String("batch_id", batchID))
		return PostResult{}, newStoreError(opCommitBatch, "decode_failed", err)
	}
	result, err := s.PostObjects(userID, collection, items)
	if err != nil {
		return PostResult{}, err
	}
	if err := s.tx.Where("id = ?", row.ID).Delete(&StagedBatch{}).Error; err != nil {
		s.logError(opCommitBatch, "delete_failed", err, zap.String("batch_id", batchID))
		return PostResult{}, newStoreError(opCommitBatch, "delete_failed", err)
	}
	return result, nil
}

// DeleteBatch discards a staged batch without applying it.
func (s *Session) DeleteBatch(userID UserID, collection CollectionName, batchID string) error {
	if s.closed {
		return newStoreError(opDeleteBatch, "session_closed", ErrSessionClosed)
	}
	row, err := s.getBatchRow(opDeleteBatch, userID, collection, batchID)
	if err != nil {
		return err
	}
	if err := s.tx.Where("id = ?", row.ID).Delete(&StagedBatch{}).Error; err != nil {
		s.logError(opDeleteBatch, "delete_failed", err, zap.String("batch_id", batchID))
		return newStoreError(opDeleteBatch, "delete_failed", err)
	}
	return nil
}

func (s *Session) getBatchRow(operation string, userID UserID, collection CollectionName, batchID string) (StagedBatch, error) {
	collectionID, err := s.getCollectionID(collection.String())
	if err != nil {
		return StagedBatch{}, err
	}
	var row StagedBatch
	err = s.tx.
		Where("id = ? AND user_id = ? AND collection_id = ? AND expiry > ?",
			batchID, userID.Int64(), collectionID, s.timestamp).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StagedBatch{}, ErrBatchNotFound
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("batch_id", batchID))
		return StagedBatch{}, newStoreError(operation, "select_failed", err)
	}
	return row, nil
}

func decodeBatchItems(encoded string) ([]PostItem, error) {
	var items []PostItem
	if err := json.Unmarshal([]byte(encoded), &items); err != nil {
		return nil, err
	}
	return items, nil
}
