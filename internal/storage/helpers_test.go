package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:nimbus_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Collection{}, &UserCollection{}, &StorageObject{}, &StagedBatch{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := NewStore(StoreConfig{
		Database: db,
		Cache:    NewCollectionCache(),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	return store, clock, db
}

func beginSession(t *testing.T, store *Store) *Session {
	t.Helper()
	session, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("failed to begin session: %v", err)
	}
	return session
}

func commitSession(t *testing.T, session *Session) {
	t.Helper()
	if err := session.Commit(); err != nil {
		t.Fatalf("failed to commit session: %v", err)
	}
}

func mustUser(t *testing.T, value int64) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCollection(t *testing.T, value string) CollectionName {
	t.Helper()
	name, err := NewCollectionName(value)
	if err != nil {
		t.Fatalf("unexpected collection name error: %v", err)
	}
	return name
}

func mustObject(t *testing.T, value string) ObjectID {
	t.Helper()
	id, err := NewObjectID(value)
	if err != nil {
		t.Fatalf("unexpected object id error: %v", err)
	}
	return id
}

// putInOwnSession writes one object inside its own committed session and
// returns the collection modified value it produced.
func putInOwnSession(t *testing.T, store *Store, params PutObjectParams) int64 {
	t.Helper()
	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	if err := session.LockForWrite(params.UserID, params.Collection); err != nil {
		t.Fatalf("failed to lock for write: %v", err)
	}
	modified, err := session.PutObject(params)
	if err != nil {
		t.Fatalf("failed to put object: %v", err)
	}
	commitSession(t, session)
	return modified
}

func strPtr(value string) *string {
	return &value
}

func i32Ptr(value int32) *int32 {
	return &value
}

func i64Ptr(value int64) *int64 {
	return &value
}
