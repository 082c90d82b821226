package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docindex/internal/config"
	"docindex/internal/pipeline"
	"docindex/internal/vectordb"
	"docindex/pkg/logger"
)

// API serves similarity search over the configured vector store backends.
// Stores are constructed lazily per db type and reused across requests.
type API struct {
	cfg      *config.AppConfig
	embedder pipeline.Embedder
	logger   *logger.Logger

	mu     sync.Mutex
	stores map[string]vectordb.Store
}

// NewAPI creates the search API handler set.
func NewAPI(cfg *config.AppConfig, embedder pipeline.Embedder, log *logger.Logger) *API {
	return &API{
		cfg:      cfg,
		embedder: embedder,
		logger:   log,
		stores:   make(map[string]vectordb.Store),
	}
}

// Close releases every store the API has opened.
func (a *API) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for dbType, store := range a.stores {
		if err := store.Close(); err != nil {
			a.logger.Warn(fmt.Sprintf("failed to close %s store: %v", dbType, err))
		}
	}
	a.stores = make(map[string]vectordb.Store)
}

func (a *API) storeFor(dbType string) (vectordb.Store, error) {
	if dbType == "" {
		dbType = a.cfg.VectorDB.Type
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if store, ok := a.stores[dbType]; ok {
		return store, nil
	}
	store, err := vectordb.NewStore(dbType, &a.cfg.VectorDB, a.logger)
	if err != nil {
		return nil, err
	}
	a.stores[dbType] = store
	return store, nil
}

type searchPayload struct {
	Query       string         `json:"query" form:"query"`
	Collection  string         `json:"collection" form:"collection"`
	DBType      string         `json:"db_type" form:"db_type"`
	Limit       int            `json:"limit" form:"limit"`
	GroupChunks *bool          `json:"group_chunks" form:"group_chunks"`
	Filters     map[string]any `json:"filters"`
}

// SearchHandler serves POST /api/v1/search with a JSON body and GET
// /api/v1/search with query parameters.
func (a *API) SearchHandler(c *gin.Context) {
	traceID := uuid.New().String()
	log := a.logger.WithField("trace_id", traceID)

	var payload searchPayload
	if c.Request.Method == http.MethodGet {
		payload.Query = c.Query("query")
		payload.Collection = c.Query("collection")
		payload.DBType = c.Query("db_type")
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
				return
			}
			payload.Limit = limit
		}
		if v := c.Query("group_chunks"); v != "" {
			group, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "group_chunks must be a boolean"})
				return
			}
			payload.GroupChunks = &group
		}
		if v := c.Query("filters"); v != "" {
			if err := json.Unmarshal([]byte(v), &payload.Filters); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "filters must be a JSON object"})
				return
			}
		}
	} else if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn(fmt.Sprintf("invalid search payload: %v", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if payload.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if payload.Collection == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection is required"})
		return
	}
	groupChunks := true
	if payload.GroupChunks != nil {
		groupChunks = *payload.GroupChunks
	}

	store, err := a.storeFor(payload.DBType)
	if err != nil {
		a.respondError(c, log, err)
		return
	}

	searcher := pipeline.NewSearcher(a.embedder, store, log)
	resp, err := searcher.Search(c.Request.Context(), pipeline.SearchRequest{
		Query:       payload.Query,
		Collection:  payload.Collection,
		Limit:       payload.Limit,
		GroupChunks: groupChunks,
		Filters:     payload.Filters,
	})
	if err != nil {
		a.respondError(c, log, err)
		return
	}

	if groupChunks {
		c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "results": resp.Groups})
	} else {
		c.JSON(http.StatusOK, gin.H{"trace_id": traceID, "results": resp.Hits})
	}
}

// CollectionsHandler lists the collections configured for ingestion.
func (a *API) CollectionsHandler(c *gin.Context) {
	collections := make([]string, 0, len(a.cfg.Sources))
	for _, src := range a.cfg.Sources {
		collections = append(collections, src.Collection)
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections})
}

// DBTypesHandler lists the selectable vector store backends.
func (a *API) DBTypesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"db_types": vectordb.Types(), "default": a.cfg.VectorDB.Type})
}

// respondError maps the store error taxonomy onto HTTP statuses.
func (a *API) respondError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, vectordb.ErrUnsupportedBackend),
		errors.Is(err, vectordb.ErrUnsupportedFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, vectordb.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, vectordb.ErrBackendUnavailable):
		log.Error(fmt.Sprintf("backend unavailable: %v", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vector store backend unavailable"})
	default:
		log.Error(fmt.Sprintf("search failed: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
	}
}
