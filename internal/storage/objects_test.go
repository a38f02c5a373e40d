package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPutThenGetRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")

	modified := putInOwnSession(t, store, PutObjectParams{
		UserID:     userID,
		Collection: collection,
		ID:         mustObject(t, "b1"),
		Payload:    strPtr("x"),
		SortIndex:  i32Ptr(3),
	})

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	object, err := session.GetObject(userID, collection, mustObject(t, "b1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if object.Payload != "x" {
		t.Fatalf("expected payload x, got %q", object.Payload)
	}
	if object.Modified != modified {
		t.Fatalf("expected modified %d, got %d", modified, object.Modified)
	}
	if object.SortIndex == nil || *object.SortIndex != 3 {
		t.Fatalf("unexpected sortindex: %v", object.SortIndex)
	}
}

func TestPutPartialUpdatePreservesPayload(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "b1"), Payload: strPtr("keep me")})
	clock.Advance(time.Second)

	second := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "b1"), SortIndex: i32Ptr(5)})

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	object, err := session.GetObject(userID, collection, mustObject(t, "b1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if object.Payload != "keep me" {
		t.Fatalf("payload should be preserved, got %q", object.Payload)
	}
	if object.SortIndex == nil || *object.SortIndex != 5 {
		t.Fatalf("sortindex should update, got %v", object.SortIndex)
	}
	if object.Modified != second {
		t.Fatalf("modified should advance to %d, got %d", second, object.Modified)
	}
}

func TestPutTTLOnlyKeepsObjectModified(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")
	first := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "b1"), Payload: strPtr("x")})
	clock.Advance(time.Second)

	collectionModified := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "b1"), TTL: i64Ptr(60)})
	if collectionModified <= first {
		t.Fatalf("collection modified should still advance on a ttl-only write")
	}

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	objectModified, err := session.ObjectModified(userID, collection, mustObject(t, "b1"))
	if err != nil {
		t.Fatalf("object modified failed: %v", err)
	}
	if objectModified != first {
		t.Fatalf("ttl-only write must not bump object modified: expected %d, got %d", first, objectModified)
	}
}

func TestZeroTTLObjectIsInvisibleButDeletable(t *testing.T) {
	store, _, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "gone"), Payload: strPtr("x"), TTL: i64Ptr(0)})

	session := beginSession(t, store)
	if _, err := session.GetObject(userID, collection, mustObject(t, "gone")); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected expired object to be invisible, got %v", err)
	}
	page, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Limit: -1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Objects) != 0 {
		t.Fatalf("expected no visible objects, got %d", len(page.Objects))
	}

	// Physical cleanup is independent of visibility: the row still counts.
	if _, err := session.DeleteCollection(userID, collection); err != nil {
		t.Fatalf("delete collection should account for expired rows: %v", err)
	}
	commitSession(t, session)
}

func TestListObjectsPagination(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "history")
	ids := []string{"h1", "h2", "h3", "h4", "h5"}
	for _, id := range ids {
		putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, id), Payload: strPtr("x")})
		clock.Advance(time.Second)
	}

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck

	first, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Sort: SortOldest, Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(first.Objects) != 2 || !first.More || first.NextOffset != 2 {
		t.Fatalf("unexpected first page: %d objects, more=%v, next=%d", len(first.Objects), first.More, first.NextOffset)
	}
	if first.Objects[0].ID != "h1" || first.Objects[1].ID != "h2" {
		t.Fatalf("unexpected first page order: %v, %v", first.Objects[0].ID, first.Objects[1].ID)
	}

	second, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Sort: SortOldest, Limit: 2, Offset: first.NextOffset})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(second.Objects) != 2 || !second.More || second.NextOffset != 4 {
		t.Fatalf("unexpected second page: %d objects, more=%v, next=%d", len(second.Objects), second.More, second.NextOffset)
	}

	last, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Sort: SortOldest, Limit: 2, Offset: second.NextOffset})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(last.Objects) != 1 || last.More {
		t.Fatalf("unexpected last page: %d objects, more=%v", len(last.Objects), last.More)
	}
	if last.Objects[0].ID != "h5" {
		t.Fatalf("unexpected last object %q", last.Objects[0].ID)
	}
}

func TestListObjectsFiltersAndSort(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "history")

	early := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "old"), Payload: strPtr("x"), SortIndex: i32Ptr(1)})
	clock.Advance(time.Second)
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "mid"), Payload: strPtr("x"), SortIndex: i32Ptr(9)})
	clock.Advance(time.Second)
	late := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "new"), Payload: strPtr("x"), SortIndex: i32Ptr(5)})

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck

	newer, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Newer: &early, Sort: SortNewest, Limit: -1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(newer.Objects) != 2 || newer.Objects[0].ID != "new" || newer.Objects[1].ID != "mid" {
		t.Fatalf("unexpected newer-filtered result: %+v", newer.Objects)
	}

	older, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, Older: &late, Sort: SortIndex, Limit: -1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(older.Objects) != 2 || older.Objects[0].ID != "mid" || older.Objects[1].ID != "old" {
		t.Fatalf("unexpected older-filtered result: %+v", older.Objects)
	}

	byID, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, IDs: []string{"old", "new"}, Sort: SortOldest, Limit: -1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byID.Objects) != 2 || byID.Objects[0].ID != "old" || byID.Objects[1].ID != "new" {
		t.Fatalf("unexpected id-filtered result: %+v", byID.Objects)
	}
}

func TestListObjectsTruncatesIDFilter(t *testing.T) {
	store, _, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "history")

	items := make([]PostItem, 0, maxIDFilterEntries+1)
	ids := make([]string, 0, maxIDFilterEntries+1)
	for i := 0; i <= maxIDFilterEntries; i++ {
		id := fmt.Sprintf("h%03d", i)
		items = append(items, PostItem{ID: id, Payload: strPtr("x")})
		ids = append(ids, id)
	}
	writer := beginSession(t, store)
	if err := writer.LockForWrite(userID, collection); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	result, err := writer.PostObjects(userID, collection, items)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if len(result.Success) != maxIDFilterEntries+1 {
		t.Fatalf("expected %d successes, got %d", maxIDFilterEntries+1, len(result.Success))
	}
	commitSession(t, writer)

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	page, err := session.ListObjects(ListObjectsParams{UserID: userID, Collection: collection, IDs: ids, Limit: -1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page.Objects) != maxIDFilterEntries {
		t.Fatalf("expected the id filter to cap at %d entries, got %d objects", maxIDFilterEntries, len(page.Objects))
	}
	excess := ids[maxIDFilterEntries]
	for _, object := range page.Objects {
		if object.ID == excess {
			t.Fatalf("id %q past the filter cap must be ignored even though its row is live", excess)
		}
	}
}

func TestListObjectsUnknownCollection(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck

	_, err := session.ListObjects(ListObjectsParams{UserID: mustUser(t, 1), Collection: mustCollection(t, "nowhere"), Limit: -1})
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestDeleteObjectsTouchesCollection(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")
	first := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: collection, ID: mustObject(t, "b1"), Payload: strPtr("x")})
	clock.Advance(time.Second)

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	if err := session.LockForWrite(userID, collection); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	modified, err := session.DeleteObjects(userID, collection, []string{"b1", "missing"})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if modified <= first {
		t.Fatalf("delete should advance collection modified: %d <= %d", modified, first)
	}
	if _, err := session.GetObject(userID, collection, mustObject(t, "b1")); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected object to be gone, got %v", err)
	}
	commitSession(t, session)
}

func TestDeleteCollectionNeverCreated(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck

	_, err := session.DeleteCollection(mustUser(t, 1), mustCollection(t, "nowhere"))
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestDeleteCollectionWithOnlyTrackingRow(t *testing.T) {
	store, clock, _ := newTestStore(t)
	userID := mustUser(t, 1)
	bookmarks := mustCollection(t, "bookmarks")
	history := mustCollection(t, "history")
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: bookmarks, ID: mustObject(t, "b1"), Payload: strPtr("x")})
	clock.Advance(time.Second)
	historyModified := putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: history, ID: mustObject(t, "h1"), Payload: strPtr("x")})
	clock.Advance(time.Second)

	// Empty out bookmarks; the tracking row survives the object delete.
	deleter := beginSession(t, store)
	if err := deleter.LockForWrite(userID, bookmarks); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	if _, err := deleter.DeleteObjects(userID, bookmarks, []string{"b1"}); err != nil {
		t.Fatalf("delete objects failed: %v", err)
	}
	commitSession(t, deleter)
	clock.Advance(time.Second)

	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck
	remaining, err := session.DeleteCollection(userID, bookmarks)
	if err != nil {
		t.Fatalf("delete collection should count the tracking row: %v", err)
	}
	if remaining != historyModified {
		t.Fatalf("expected remaining storage modified %d, got %d", historyModified, remaining)
	}
	commitSession(t, session)
}

func TestDeleteAllRemovesEverything(t *testing.T) {
	store, _, _ := newTestStore(t)
	userID := mustUser(t, 1)
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: mustCollection(t, "bookmarks"), ID: mustObject(t, "b1"), Payload: strPtr("x")})
	putInOwnSession(t, store, PutObjectParams{UserID: userID, Collection: mustCollection(t, "history"), ID: mustObject(t, "h1"), Payload: strPtr("y")})

	session := beginSession(t, store)
	if err := session.DeleteAll(userID); err != nil {
		t.Fatalf("delete all failed: %v", err)
	}
	modified, err := session.StorageModified(userID)
	if err != nil {
		t.Fatalf("storage modified failed: %v", err)
	}
	if modified != 0 {
		t.Fatalf("expected storage modified 0 after delete all, got %d", modified)
	}
	commitSession(t, session)
}

func TestPostObjectsIsBestEffort(t *testing.T) {
	store, _, _ := newTestStore(t)
	userID := mustUser(t, 1)
	collection := mustCollection(t, "bookmarks")

	oversized := strings.Repeat("z", 65)
	session := beginSession(t, store)
	if err := session.LockForWrite(userID, collection); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
	result, err := session.PostObjects(userID, collection, []PostItem{
		{ID: "b1", Payload: strPtr("one")},
		{ID: oversized, Payload: strPtr("two")},
		{ID: "b3", Payload: strPtr("three")},
	})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if len(result.Success) != 2 {
		t.Fatalf("expected 2 successes, got %v", result.Success)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %v", result.Failed)
	}
	if _, ok := result.Failed[oversized]; !ok {
		t.Fatalf("expected the oversized id in the failure map")
	}
	if result.Modified != session.Timestamp() {
		t.Fatalf("expected batch modified %d, got %d", session.Timestamp(), result.Modified)
	}
	commitSession(t, session)

	reader := beginSession(t, store)
	defer reader.Rollback() //nolint:errcheck
	modified, err := reader.CollectionModified(userID, collection)
	if err != nil {
		t.Fatalf("collection modified failed: %v", err)
	}
	if modified != result.Modified {
		t.Fatalf("collection modified should advance exactly once to %d, got %d", result.Modified, modified)
	}
}
