package storage

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultObjectTTL is the ttl in seconds applied to objects written without an
// explicit ttl. Far enough in the future to never expire in practice.
const DefaultObjectTTL = 2100000000

const (
	maxObjectIDLength       = 64
	maxCollectionNameLength = 32
)

var (
	// ErrInvalidObjectID indicates an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("storage: invalid object id")
	// ErrInvalidCollectionName indicates a collection name is empty or exceeds storage bounds.
	ErrInvalidCollectionName = errors.New("storage: invalid collection name")
	// ErrInvalidUserID indicates a user identifier is not a positive integer.
	ErrInvalidUserID = errors.New("storage: invalid user id")
)

// ObjectID represents a validated storage object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	if rawInput == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(rawInput) > maxObjectIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxObjectIDLength)
	}
	return ObjectID(rawInput), nil
}

// String returns the underlying string identifier.
func (id ObjectID) String() string {
	return string(id)
}

// CollectionName represents a validated collection name.
type CollectionName string

// NewCollectionName validates raw input and returns a CollectionName.
func NewCollectionName(rawInput string) (CollectionName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionName)
	}
	if len(trimmed) > maxCollectionNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionName, maxCollectionNameLength)
	}
	return CollectionName(trimmed), nil
}

// String returns the underlying collection name.
func (n CollectionName) String() string {
	return string(n)
}

// UserID is the opaque integer identifier produced by the identity layer.
type UserID int64

// NewUserID validates the value and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier value.
func (id UserID) Int64() int64 {
	return int64(id)
}

// Collection binds a globally unique collection name to its integer id.
// Bindings are created lazily on first write and never change afterwards.
type Collection struct {
	ID   int32  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:32;not null;uniqueIndex"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// UserCollection tracks the last-write timestamp for one user's collection.
// A row exists only once a mutating operation has touched the pair.
type UserCollection struct {
	UserID       int64 `gorm:"column:user_id;primaryKey;not null"`
	CollectionID int32 `gorm:"column:collection_id;primaryKey;not null"`
	Modified     int64 `gorm:"column:modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserCollection) TableName() string {
	return "user_collections"
}

// StorageObject is the atomic stored unit: an opaque payload plus sort,
// modified and expiry metadata. Rows past their expiry are invisible to
// reads but remain until physically deleted.
type StorageObject struct {
	UserID       int64  `gorm:"column:user_id;primaryKey;not null"`
	CollectionID int32  `gorm:"column:collection_id;primaryKey;not null;index:idx_objects_expiry,priority:2"`
	ID           string `gorm:"column:id;primaryKey;size:64;not null"`
	SortIndex    *int32 `gorm:"column:sortindex"`
	Payload      string `gorm:"column:payload;type:text;not null;default:''"`
	Modified     int64  `gorm:"column:modified;not null;index:idx_objects_modified"`
	Expiry       int64  `gorm:"column:expiry;not null;index:idx_objects_expiry,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (StorageObject) TableName() string {
	return "objects"
}

// StagedBatch accumulates uncommitted upload items for one user's collection,
// keyed by an opaque batch id issued at creation.
type StagedBatch struct {
	ID           string `gorm:"column:id;primaryKey;size:36;not null"`
	UserID       int64  `gorm:"column:user_id;not null;index:idx_batches_owner,priority:1"`
	CollectionID int32  `gorm:"column:collection_id;not null;index:idx_batches_owner,priority:2"`
	Items        string `gorm:"column:items;type:text;not null"`
	Expiry       int64  `gorm:"column:expiry;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StagedBatch) TableName() string {
	return "staged_batches"
}
