package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/NimbusSyncLab/nimbus/internal/storage"
	"github.com/gin-gonic/gin"
)

type objectWritePayload struct {
	Payload   *string `json:"payload"`
	SortIndex *int32  `json:"sortindex"`
	TTL       *int64  `json:"ttl"`
}

func (h *httpHandler) handleInfoCollections(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		modified, err := session.CollectionModifiedMap(userID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, modified, nil
	})
}

func (h *httpHandler) handleInfoCollectionCounts(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		counts, err := session.CollectionCounts(userID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, counts, nil
	})
}

func (h *httpHandler) handleInfoCollectionUsage(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		sizes, err := session.CollectionSizes(userID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, sizes, nil
	})
}

func (h *httpHandler) handleInfoQuota(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		size, err := session.StorageSize(userID)
		if err != nil {
			return 0, nil, err
		}
		// Second element is the quota limit; none is enforced.
		return http.StatusOK, []interface{}{size, nil}, nil
	})
}

func (h *httpHandler) handleGetObject(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	objectID, err := storage.NewObjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForRead(userID, collection); err != nil {
			return 0, nil, err
		}
		object, err := session.GetObject(userID, collection, objectID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, object, nil
	})
}

func (h *httpHandler) handlePutObject(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	objectID, err := storage.NewObjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload objectWritePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForWrite(userID, collection); err != nil {
			return 0, nil, err
		}
		modified, err := session.PutObject(storage.PutObjectParams{
			UserID:     userID,
			Collection: collection,
			ID:         objectID,
			Payload:    payload.Payload,
			SortIndex:  payload.SortIndex,
			TTL:        payload.TTL,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"modified": modified}, nil
	})
}

func (h *httpHandler) handleDeleteObject(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	objectID, err := storage.NewObjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForWrite(userID, collection); err != nil {
			return 0, nil, err
		}
		modified, err := session.DeleteObject(userID, collection, objectID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"modified": modified}, nil
	})
}

func (h *httpHandler) handleListObjects(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	params, err := parseListParams(c, userID, collection)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	full := c.Query("full") != ""
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForRead(userID, collection); err != nil {
			return 0, nil, err
		}
		page, err := session.ListObjects(params)
		if err != nil {
			return 0, nil, err
		}
		if page.More {
			c.Header("X-Weave-Next-Offset", strconv.FormatInt(page.NextOffset, 10))
		}
		if full {
			return http.StatusOK, page.Objects, nil
		}
		ids := make([]string, 0, len(page.Objects))
		for _, object := range page.Objects {
			ids = append(ids, object.ID)
		}
		return http.StatusOK, ids, nil
	})
}

func (h *httpHandler) handlePostObjects(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	var items []storage.PostItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	batchParam := c.Query("batch")
	commit := c.Query("commit") != ""
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForWrite(userID, collection); err != nil {
			return 0, nil, err
		}
		switch {
		case batchParam == "" || (batchParam == "true" && commit):
			// A one-shot batch commit is equivalent to a plain post.
			result, err := session.PostObjects(userID, collection, items)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, result, nil
		case batchParam == "true":
			batchID, err := session.CreateBatch(userID, collection, items)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusAccepted, gin.H{"batch": batchID}, nil
		case commit:
			if len(items) > 0 {
				if err := session.AppendToBatch(userID, collection, batchParam, items); err != nil {
					return 0, nil, err
				}
			}
			result, err := session.CommitBatch(userID, collection, batchParam)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, result, nil
		default:
			if err := session.AppendToBatch(userID, collection, batchParam, items); err != nil {
				return 0, nil, err
			}
			return http.StatusAccepted, gin.H{"batch": batchParam}, nil
		}
	})
}

func (h *httpHandler) handleDeleteCollection(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	collection, ok := h.requestCollection(c)
	if !ok {
		return
	}
	idsParam := strings.TrimSpace(c.Query("ids"))
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.LockForWrite(userID, collection); err != nil {
			return 0, nil, err
		}
		if idsParam != "" {
			modified, err := session.DeleteObjects(userID, collection, splitIDs(idsParam))
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, gin.H{"modified": modified}, nil
		}
		modified, err := session.DeleteCollection(userID, collection)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"modified": modified}, nil
	})
}

func (h *httpHandler) handleDeleteStorage(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	h.withSession(c, func(session *storage.Session) (int, interface{}, error) {
		if err := session.DeleteAll(userID); err != nil {
			return 0, nil, err
		}
		return http.StatusNoContent, nil, nil
	})
}

func parseListParams(c *gin.Context, userID storage.UserID, collection storage.CollectionName) (storage.ListObjectsParams, error) {
	params := storage.ListObjectsParams{
		UserID:     userID,
		Collection: collection,
		Limit:      -1,
	}
	if raw := c.Query("ids"); raw != "" {
		params.IDs = splitIDs(raw)
	}
	if raw := c.Query("older"); raw != "" {
		older, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, err
		}
		params.Older = &older
	}
	if raw := c.Query("newer"); raw != "" {
		newer, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, err
		}
		params.Newer = &newer
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, err
		}
		params.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, err
		}
		params.Offset = offset
	}
	switch c.Query("sort") {
	case "index":
		params.Sort = storage.SortIndex
	case "newest":
		params.Sort = storage.SortNewest
	case "oldest":
		params.Sort = storage.SortOldest
	}
	return params, nil
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
