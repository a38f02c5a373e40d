package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NimbusSyncLab/nimbus/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "nimbus_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingStore          = errors.New("storage store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the opaque integer user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// Dependencies lists the collaborators the HTTP surface needs.
type Dependencies struct {
	TokenValidator TokenValidator
	Store          *storage.Store
	Logger         *zap.Logger
}

// NewHTTPHandler wires the storage surface onto Sync-1.5-shaped routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenValidator,
		store:  deps.Store,
		logger: logger,
	}

	user := router.Group("/1.5/:uid")
	user.Use(handler.authorizeRequest)
	user.GET("/info/collections", handler.handleInfoCollections)
	user.GET("/info/collection_counts", handler.handleInfoCollectionCounts)
	user.GET("/info/collection_usage", handler.handleInfoCollectionUsage)
	user.GET("/info/quota", handler.handleInfoQuota)
	user.GET("/storage/:collection", handler.handleListObjects)
	user.POST("/storage/:collection", handler.handlePostObjects)
	user.DELETE("/storage/:collection", handler.handleDeleteCollection)
	user.GET("/storage/:collection/:id", handler.handleGetObject)
	user.PUT("/storage/:collection/:id", handler.handlePutObject)
	user.DELETE("/storage/:collection/:id", handler.handleDeleteObject)
	user.DELETE("/storage", handler.handleDeleteStorage)

	return router, nil
}

type httpHandler struct {
	tokens TokenValidator
	store  *storage.Store
	logger *zap.Logger
}

// authorizeRequest validates the bearer token and pins it to the uid named
// in the path; a token for another user is rejected rather than remapped.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		h.logger.Warn("request missing bearer token", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	tokenUserID, err := h.tokens.ValidateToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	pathUserID, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil || pathUserID != tokenUserID {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(userIDContextKey, tokenUserID)
	c.Next()
}

func (h *httpHandler) requestUserID(c *gin.Context) (storage.UserID, bool) {
	raw, ok := c.Get(userIDContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	userID, err := storage.NewUserID(raw.(int64))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}

func (h *httpHandler) requestCollection(c *gin.Context) (storage.CollectionName, bool) {
	collection, err := storage.NewCollectionName(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return collection, true
}

// withSession runs one handler body inside one storage session. The body
// returns the status and payload to render; nothing is written until the
// session commits, so a failed commit surfaces as an error instead of a
// success response for work that was rolled back.
func (h *httpHandler) withSession(c *gin.Context, body func(session *storage.Session) (int, interface{}, error)) {
	session, err := h.store.Begin(c.Request.Context())
	if err != nil {
		h.logger.Error("session begin failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_unavailable"})
		return
	}
	defer session.Rollback() //nolint:errcheck

	status, payload, err := body(session)
	if err != nil {
		h.renderStorageError(c, err)
		return
	}
	if err := session.Commit(); err != nil {
		h.logger.Error("session commit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit_failed"})
		return
	}
	if payload == nil {
		c.Status(status)
		return
	}
	c.JSON(status, payload)
}

func (h *httpHandler) renderStorageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrCollectionNotFound),
		errors.Is(err, storage.ErrItemNotFound),
		errors.Is(err, storage.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, storage.ErrConflict):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conflict"})
	case errors.Is(err, storage.ErrInvalidObjectID),
		errors.Is(err, storage.ErrInvalidCollectionName),
		errors.Is(err, storage.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("storage operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
	}
}
