package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trackvault/internal/domain"
	"trackvault/internal/downloader"
	"trackvault/internal/ledger"
	"trackvault/internal/repository"
	"trackvault/internal/service"
	"trackvault/internal/storage"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	jobs      service.JobService
	manager   downloader.Manager
	ledger    *ledger.Ledger
	users     service.UserService
	storage   storage.Service
	bucket    string
	keyPrefix string
	jwtSecret string
	tokenTTL  time.Duration
	metrics   http.Handler
}

// ArchiveConfig names the bucket the archive endpoints operate on. Storage
// may be nil when archiving is not configured; the endpoints then report
// that instead of failing obscurely.
type ArchiveConfig struct {
	Storage   storage.Service
	Bucket    string
	KeyPrefix string
}

func NewHandler(jobs service.JobService, manager downloader.Manager, led *ledger.Ledger, users service.UserService, archive ArchiveConfig, jwtSecret string, tokenTTL time.Duration, metricsHandler http.Handler) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Handler{
		jobs:      jobs,
		manager:   manager,
		ledger:    led,
		users:     users,
		storage:   archive.Storage,
		bucket:    archive.Bucket,
		keyPrefix: archive.KeyPrefix,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		metrics:   metricsHandler,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)

		authed := api.Group("")
		authed.Use(h.authRequired())
		{
			authed.POST("/jobs", h.submitJob)
			authed.GET("/jobs", h.listJobs)
			authed.GET("/jobs/:id", h.getJob)
			authed.DELETE("/jobs/:id", h.deleteJob)

			authed.GET("/archive", h.listArchive)
			authed.DELETE("/archive/*key", h.deleteArchiveObject)

			authed.GET("/history/stats", h.historyStats)
			authed.GET("/history/settings", h.getHistorySettings)
			authed.PUT("/history/settings", h.setHistorySettings)
			authed.GET("/history/export", h.exportHistory)
			authed.POST("/history/import", h.importHistory)
			authed.DELETE("/history", h.clearHistory)
			authed.GET("/history/:itemID", h.historyStatus)
			authed.DELETE("/history/:itemID", h.removeHistoryEntry)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type submitJobRequest struct {
	ItemID      string `json:"item_id" binding:"required"`
	SourceKind  string `json:"source_kind"`
	SourceID    string `json:"source_id"`
	SourceLabel string `json:"source_label"`
	FileName    string `json:"file_name"`
}

func (h *Handler) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item := domain.Item{
		ID:          req.ItemID,
		SourceKind:  domain.SourceKind(req.SourceKind),
		SourceID:    req.SourceID,
		SourceLabel: req.SourceLabel,
	}
	if item.SourceKind == "" {
		item.SourceKind = domain.SourceKindManual
	}

	job, err := h.manager.Submit(c.Request.Context(), item, req.FileName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, jobToResponse(*job))
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.jobs.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

// deleteJob cancels a live job, or removes the record of a finished one.
func (h *Handler) deleteJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if job.Status.Terminal() {
		if err := h.jobs.DeleteJob(c.Request.Context(), job.ID); err != nil {
			c.JSON(jobErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": job.ID})
		return
	}

	cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Cancel(cancelCtx, job.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": job.ID})
}

func jobErrorStatus(err error) int {
	if errors.Is(err, repository.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type archiveObjectResponse struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

func (h *Handler) listArchive(c *gin.Context) {
	if h.storage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is not configured"})
		return
	}

	prefix := c.DefaultQuery("prefix", h.keyPrefix)
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]archiveObjectResponse, len(objects))
	for i, obj := range objects {
		resp[i] = archiveObjectResponse{
			Key:  obj.Key,
			Size: obj.Size,
		}
		if obj.LastModified != nil {
			resp[i].LastModified = obj.LastModified.UTC().Format(time.RFC3339)
		}
	}
	c.JSON(http.StatusOK, gin.H{"bucket": h.bucket, "objects": resp})
}

func (h *Handler) deleteArchiveObject(c *gin.Context) {
	if h.storage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is not configured"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object key is required"})
		return
	}

	if err := h.storage.DeleteObject(c.Request.Context(), h.bucket, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func (h *Handler) historyStatus(c *gin.Context) {
	itemID := c.Param("itemID")
	entry, downloaded := h.ledger.Get(itemID)

	resp := gin.H{
		"item_id":     itemID,
		"downloaded":  downloaded,
		"should_skip": h.ledger.ShouldSkip(itemID),
	}
	if downloaded {
		resp["entry"] = entry
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) removeHistoryEntry(c *gin.Context) {
	removed, err := h.ledger.Remove(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not in history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("itemID")})
}

func (h *Handler) clearHistory(c *gin.Context) {
	if err := h.ledger.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *Handler) getHistorySettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prevent_duplicates": h.ledger.DedupEnabled()})
}

type historySettingsRequest struct {
	PreventDuplicates *bool `json:"prevent_duplicates" binding:"required"`
}

func (h *Handler) setHistorySettings(c *gin.Context) {
	var req historySettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ledger.SetDedupEnabled(*req.PreventDuplicates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prevent_duplicates": *req.PreventDuplicates})
}

func (h *Handler) historyStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Statistics())
}

type historyFileRequest struct {
	Path  string `json:"path" binding:"required"`
	Merge bool   `json:"merge"`
}

func (h *Handler) exportHistory(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}
	count, err := h.ledger.Export(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exported": count, "path": path})
}

func (h *Handler) importHistory(c *gin.Context) {
	var req historyFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := h.ledger.Import(req.Path, req.Merge)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": count, "merge": req.Merge})
}

type JobResponse struct {
	ID              string  `json:"id"`
	ItemID          string  `json:"item_id"`
	SourceKind      string  `json:"source_kind"`
	SourceID        string  `json:"source_id,omitempty"`
	SourceLabel     string  `json:"source_label,omitempty"`
	Status          string  `json:"status"`
	DestinationPath string  `json:"destination_path"`
	TotalSize       int64   `json:"total_size"`
	TotalChunks     int     `json:"total_chunks"`
	CompletedChunks int     `json:"completed_chunks"`
	FailedChunk     int     `json:"failed_chunk,omitempty"`
	ErrorCategory   string  `json:"error_category,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	ArchiveLocation string  `json:"archive_location,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

func jobToResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		ItemID:          job.Item.ID,
		SourceKind:      string(job.Item.SourceKind),
		SourceID:        job.Item.SourceID,
		SourceLabel:     job.Item.SourceLabel,
		Status:          string(job.Status),
		DestinationPath: job.DestinationPath,
		TotalSize:       job.TotalSize,
		TotalChunks:     job.TotalChunks,
		CompletedChunks: job.CompletedChunks,
		FailedChunk:     job.FailedChunk,
		ErrorCategory:   job.ErrorCategory,
		ErrorMessage:    job.ErrorMessage,
		ArchiveLocation: job.ArchiveLocation,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}
