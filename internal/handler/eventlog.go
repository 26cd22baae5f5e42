// Package handler holds the gin HTTP surface of eventlogd: the query and
// audit routes over the event log, operator token exchange, Prometheus
// metrics and per-IP rate limiting.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/decisionlog/internal/backup"
	"github.com/jmerrifield20/decisionlog/internal/eventlog"
	"github.com/jmerrifield20/decisionlog/internal/identity"
	"github.com/jmerrifield20/decisionlog/internal/mirror"
	"github.com/jmerrifield20/decisionlog/internal/recorder"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// segmentSource is implemented by *eventlog.Log. Logs that do not implement
// it (eventlog.Nop) report no segments.
type segmentSource interface {
	Segments(ctx context.Context) ([]eventlog.SegmentInfo, error)
	Stats(ctx context.Context) (*eventlog.Stats, error)
}

// BackupConfig enables POST /eventlog/backups.
type BackupConfig struct {
	SourceDir string
	OutDir    string
	// Signer signs manifests; nil produces unsigned backups.
	Signer *identity.Signer
}

// MirrorChecker is implemented by *mirror.PostgresMirror.
type MirrorChecker interface {
	Check(ctx context.Context) (*mirror.Report, error)
}

// EventLogHandler exposes the event log query and audit surface.
type EventLogHandler struct {
	log     eventlog.EventLog
	tokens  *identity.TokenIssuer
	rec     *recorder.Recorder
	backups *BackupConfig
	mirror  MirrorChecker
	logger  *zap.Logger
}

// NewEventLogHandler creates a new EventLogHandler. A nil log serves empty
// results. rec may be nil.
func NewEventLogHandler(log eventlog.EventLog, tokens *identity.TokenIssuer, rec *recorder.Recorder, logger *zap.Logger) *EventLogHandler {
	if rec == nil {
		rec = recorder.New(nil, 0, logger)
	}
	return &EventLogHandler{
		log:    eventlog.OrNop(log),
		tokens: tokens,
		rec:    rec,
		logger: logger,
	}
}

// SetBackups enables the backup route.
func (h *EventLogHandler) SetBackups(cfg BackupConfig) {
	h.backups = &cfg
}

// SetMirror enables GET /eventlog/mirror.
func (h *EventLogHandler) SetMirror(m MirrorChecker) {
	h.mirror = m
}

// Register mounts the event log routes on the given router group.
func (h *EventLogHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/eventlog")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries", h.ListEntries)
		l.GET("/entries/:id", h.GetEntry)
		l.GET("/last", h.GetLast)
		l.GET("/segments", h.ListSegments)
		l.GET("/status", h.RecorderStatus)

		l.POST("/entries", identity.RequireScope(h.tokens, identity.ScopeAppend), h.Append)
		l.GET("/export", identity.RequireScope(h.tokens, identity.ScopeAudit), h.Export)
		l.GET("/replay", identity.RequireScope(h.tokens, identity.ScopeAudit), h.Replay)
		l.GET("/mirror", identity.RequireScope(h.tokens, identity.ScopeAudit), h.MirrorStatus)
		l.POST("/backups", identity.RequireScope(h.tokens, identity.ScopeAdmin), h.CreateBackup)
	}
}

// Overview handles GET /eventlog and returns the entry count and tail hash.
func (h *EventLogHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.log.Count(ctx)
	if err != nil {
		h.fail(c, "eventlog Count", err)
		return
	}
	resp := gin.H{"entries": count, "tail_hash": nil}

	last, err := h.log.GetLastEntry(ctx)
	switch {
	case err == nil:
		resp["tail_hash"] = last.CurrentHash
		resp["last_timestamp"] = last.Timestamp
	case !errors.Is(err, eventlog.ErrNotFound):
		h.fail(c, "eventlog GetLastEntry", err)
		return
	}

	if src, ok := h.log.(segmentSource); ok {
		stats, err := src.Stats(ctx)
		if err != nil {
			h.fail(c, "eventlog Stats", err)
			return
		}
		resp["stats"] = stats
	}
	resp["recorder_degraded"] = h.rec.Status().Degraded

	c.JSON(http.StatusOK, resp)
}

// Verify handles GET /eventlog/verify?mode=full|snapshot.
func (h *EventLogHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		res *eventlog.VerifyResult
		err error
	)
	switch mode := c.DefaultQuery("mode", string(eventlog.ModeFull)); mode {
	case string(eventlog.ModeFull):
		res, err = h.log.VerifyChain(ctx)
	case string(eventlog.ModeSnapshot):
		res, err = h.log.VerifyFromSnapshot(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be full or snapshot"})
		return
	}
	if err != nil {
		h.fail(c, "eventlog verify", err)
		return
	}
	if !res.Valid {
		h.logger.Warn("event log integrity check failed",
			zap.Intp("index", res.FirstInvalidIndex),
			zap.String("reason", string(res.Reason)),
		)
	}
	c.JSON(http.StatusOK, res)
}

// ListEntries handles GET /eventlog/entries?event_kind=&entity_kind=&entity_id=&offset=&limit=.
func (h *EventLogHandler) ListEntries(c *gin.Context) {
	ctx := c.Request.Context()

	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	eventKind := c.Query("event_kind")
	entityKind := c.Query("entity_kind")
	entityID := c.Query("entity_id")

	var (
		entries []eventlog.Entry
		err     error
	)
	switch {
	case entityKind != "":
		entries, err = h.log.GetByEntity(ctx, entityKind, entityID)
	case eventKind != "":
		entries, err = h.log.GetByEventKind(ctx, eventKind)
	default:
		entries, err = h.log.GetAll(ctx)
	}
	if err != nil {
		h.fail(c, "eventlog query", err)
		return
	}
	if eventKind != "" || entityID != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if eventKind != "" && e.EventKind != eventKind {
				continue
			}
			if entityID != "" && e.EntityID != entityID {
				continue
			}
			filtered = append(filtered, e)
		}
		entries = filtered
	}

	total := len(entries)
	page := []eventlog.Entry{}
	if offset < total {
		end := min(offset+limit, total)
		page = entries[offset:end]
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": page,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

// GetEntry handles GET /eventlog/entries/:id.
func (h *EventLogHandler) GetEntry(c *gin.Context) {
	e, err := h.log.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, eventlog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.fail(c, "eventlog GetByID", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// GetLast handles GET /eventlog/last.
func (h *EventLogHandler) GetLast(c *gin.Context) {
	e, err := h.log.GetLastEntry(c.Request.Context())
	if errors.Is(err, eventlog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event log is empty"})
		return
	}
	if err != nil {
		h.fail(c, "eventlog GetLastEntry", err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ListSegments handles GET /eventlog/segments.
func (h *EventLogHandler) ListSegments(c *gin.Context) {
	src, ok := h.log.(segmentSource)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"segments": []eventlog.SegmentInfo{}})
		return
	}
	segs, err := src.Segments(c.Request.Context())
	if err != nil {
		h.fail(c, "eventlog Segments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segs})
}

// RecorderStatus handles GET /eventlog/status.
func (h *EventLogHandler) RecorderStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.rec.Status())
}

type appendRequest struct {
	Actor      string `json:"actor"       binding:"required"`
	EventKind  string `json:"event_kind"  binding:"required"`
	EntityKind string `json:"entity_kind" binding:"required"`
	EntityID   string `json:"entity_id"`
	Payload    any    `json:"payload"`
}

// Append handles POST /eventlog/entries. Unlike the recorder, API callers
// get the append error back.
func (h *EventLogHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor, err := eventlog.ParseActor(req.Actor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	e, err := h.log.Append(c.Request.Context(), actor, req.EventKind, req.EntityKind, req.EntityID, req.Payload)
	RecordAppend(err == nil)
	switch {
	case errors.Is(err, eventlog.ErrInvalidActor), errors.Is(err, eventlog.ErrInvalidField):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.fail(c, "eventlog Append", err)
		return
	case e == nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log is not attached"})
		return
	}

	h.logger.Debug("entry appended via API",
		zap.String("id", e.ID),
		zap.String("event_kind", e.EventKind),
		zap.String("subject", subject(c)),
	)
	c.JSON(http.StatusCreated, e)
}

// Export handles GET /eventlog/export?from_ts=&to_ts=&from_segment=&to_segment=.
func (h *EventLogHandler) Export(c *gin.Context) {
	var opts eventlog.ExportOptions
	var ok bool
	if opts.From, ok = timeParam(c, "from_ts"); !ok {
		return
	}
	if opts.To, ok = timeParam(c, "to_ts"); !ok {
		return
	}
	if opts.FromSegment, ok = intParam(c, "from_segment"); !ok {
		return
	}
	if opts.ToSegment, ok = intParam(c, "to_segment"); !ok {
		return
	}

	exp, err := h.log.ExportRange(c.Request.Context(), opts)
	switch {
	case errors.Is(err, eventlog.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, eventlog.ErrExportTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.fail(c, "eventlog ExportRange", err)
		return
	}

	h.logger.Info("audit export served",
		zap.Int("count", exp.Manifest.Count),
		zap.String("subject", subject(c)),
	)
	c.JSON(http.StatusOK, exp)
}

// Replay handles GET /eventlog/replay?event_kind=&entity_kind=&entity_id=&from_ts=&to_ts=&max_scan=.
func (h *EventLogHandler) Replay(c *gin.Context) {
	opts := eventlog.ReplayOptions{
		EventKind:  c.Query("event_kind"),
		EntityKind: c.Query("entity_kind"),
		EntityID:   c.Query("entity_id"),
	}
	var ok bool
	if opts.From, ok = timeParam(c, "from_ts"); !ok {
		return
	}
	if opts.To, ok = timeParam(c, "to_ts"); !ok {
		return
	}
	maxScan, ok := intParam(c, "max_scan")
	if !ok {
		return
	}
	if maxScan != nil {
		opts.MaxScan = *maxScan
	}

	sum, err := h.log.Replay(c.Request.Context(), opts)
	if errors.Is(err, eventlog.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, "eventlog Replay", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// MirrorStatus handles GET /eventlog/mirror. It re-verifies the Postgres
// copy of the chain and compares its length with the log.
func (h *EventLogHandler) MirrorStatus(c *gin.Context) {
	if h.mirror == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "postgres mirror is not configured"})
		return
	}
	r, err := h.mirror.Check(c.Request.Context())
	if err != nil {
		h.logger.Error("mirror Check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mirror check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mirrored":  r.Mirrored,
		"log_count": r.LogCount,
		"verify":    r.Verify,
		"in_sync":   r.InSync(),
	})
}

// CreateBackup handles POST /eventlog/backups.
func (h *EventLogHandler) CreateBackup(c *gin.Context) {
	if h.backups == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backups are not configured"})
		return
	}
	ctx := c.Request.Context()

	res, err := backup.Create(ctx, backup.Options{
		SourceDir: h.backups.SourceDir,
		OutDir:    h.backups.OutDir,
		Signer:    h.backups.Signer,
		Logger:    h.logger,
	})
	RecordBackup(err == nil)
	if err != nil {
		h.fail(c, "backup Create", err)
		return
	}

	h.rec.Record(ctx, eventlog.ActorHuman, "backup.created", "backup", res.Manifest.Archive, gin.H{
		"total_events":          res.Manifest.EventlogSummary.TotalEvents,
		"chain_valid_at_backup": res.Manifest.ChainValidAtBackup,
		"signed":                res.Manifest.Signature != nil,
		"requested_by":          subject(c),
	})
	c.JSON(http.StatusCreated, res)
}

func (h *EventLogHandler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, eventlog.ErrNotInitialized) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "event log operation failed"})
}

func subject(c *gin.Context) string {
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		return claims.Subject
	}
	return ""
}

func pageParams(c *gin.Context) (offset, limit int, ok bool) {
	offset, limit = 0, defaultPageSize
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return 0, 0, false
		}
		limit = n
	}
	return offset, limit, true
}

func timeParam(c *gin.Context, name string) (*time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an RFC 3339 timestamp"})
		return nil, false
	}
	return &t, true
}

func intParam(c *gin.Context, name string) (*int, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return nil, false
	}
	return &n, true
}
