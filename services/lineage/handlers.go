// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLineage/services/lineage/event"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Handlers contains the HTTP handlers for the lineage service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleIngest handles POST /v1/lineage/events.
//
// Description:
//
//	Admits one lineage event. Duplicate events (same canonical hash)
//	return 200 with status "duplicate" and mutate nothing.
//
// Request Body:
//
//	event.RawEvent
//
// Response:
//
//	200 OK: IngestResponse
//	400 Bad Request: Malformed body or invalid event schema
//	422 Unprocessable Entity: Rejected by integrity policy
//	429 Too Many Requests: Ingest rate limit exceeded
//	503 Service Unavailable: Service is shutting down
func (h *Handlers) HandleIngest(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleIngest")

	var raw event.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.Ingest(c.Request.Context(), raw)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "INGEST_FAILED"

		if errors.Is(err, event.ErrSchemaInvalid) {
			statusCode = http.StatusBadRequest
			errCode = "SCHEMA_INVALID"
		} else if errors.Is(err, ErrRejected) {
			statusCode = http.StatusUnprocessableEntity
			errCode = "POLICY_REJECTED"
		} else if errors.Is(err, ErrRateLimited) {
			statusCode = http.StatusTooManyRequests
			errCode = "RATE_LIMITED"
		} else if errors.Is(err, ErrClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "SERVICE_CLOSED"
		}

		logger.Warn("Ingest failed", "event", raw.Event, "id", raw.ID, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Event ingested",
		"status", resp.Status,
		"seq", resp.Seq,
		"node_id", resp.NodeID,
		"alerts", len(resp.Alerts))

	c.JSON(http.StatusOK, resp)
}

// HandleQuery handles POST /v1/lineage/query.
//
// Description:
//
//	Runs a bounded lineage traversal (upstream, downstream, both, or
//	why), optionally time-traveled via asOf. Results are cached; they
//	may be up to the cache TTL stale.
//
// Request Body:
//
//	QueryRequest
//
// Response:
//
//	200 OK: QueryResponse
//	400 Bad Request: Invalid mode, depth, asOf, or type filter
//	404 Not Found: Start node does not exist (or not visible at asOf)
//	503 Service Unavailable: Service is shutting down
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.svc.Query(c.Request.Context(), req)
	if err != nil {
		statusCode := http.StatusBadRequest
		errCode := "INVALID_QUERY"

		if errors.Is(err, graph.ErrNodeNotFound) {
			statusCode = http.StatusNotFound
			errCode = "NODE_NOT_FOUND"
		} else if errors.Is(err, ErrClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "SERVICE_CLOSED"
		}

		logger.Warn("Query failed", "from", req.From, "mode", req.Mode, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Query served",
		"from", req.From,
		"mode", string(result.Mode),
		"nodes", len(result.Nodes),
		"truncated", result.Truncated,
		"cached", result.Cached)

	c.JSON(http.StatusOK, result)
}

// HandleImpact handles GET /v1/lineage/impact/:id.
//
// Description:
//
//	Computes the downstream blast radius of a node: affected models,
//	artifacts, and guards, with sample propagation paths. The depth
//	query parameter bounds the BFS (default 3, max 10).
//
// Response:
//
//	200 OK: impact.Report
//	400 Bad Request: Non-numeric depth
//	404 Not Found: Target node does not exist
//	503 Service Unavailable: Service is shutting down
func (h *Handlers) HandleImpact(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleImpact")

	targetID := c.Param("id")
	depth := 0
	if raw := c.Query("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			logger.Warn("Invalid depth parameter", "depth", raw)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "depth must be an integer",
				Code:  "INVALID_DEPTH",
			})
			return
		}
		depth = parsed
	}

	report, err := h.svc.Impact(c.Request.Context(), targetID, depth)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "IMPACT_FAILED"

		if errors.Is(err, graph.ErrNodeNotFound) {
			statusCode = http.StatusNotFound
			errCode = "NODE_NOT_FOUND"
		} else if errors.Is(err, ErrClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "SERVICE_CLOSED"
		}

		logger.Warn("Impact analysis failed", "target", targetID, "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Impact computed",
		"target", targetID,
		"affected", len(report.Affected),
		"truncated", report.Truncated)

	c.JSON(http.StatusOK, report)
}

// HandleSnapshot handles POST /v1/lineage/snapshot.
//
// Description:
//
//	Forces a graph snapshot to disk and checkpoints the append log.
//	Also runs periodically via the compactor; this endpoint exists for
//	operational use before planned restarts.
//
// Response:
//
//	200 OK: SnapshotResponse
//	503 Service Unavailable: Service is shutting down
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSnapshot")

	resp, err := h.svc.Snapshot(c.Request.Context())
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "SNAPSHOT_FAILED"

		if errors.Is(err, ErrClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "SERVICE_CLOSED"
		}

		logger.Error("Snapshot failed", "error", err)
		c.JSON(statusCode, ErrorResponse{
			Error: err.Error(),
			Code:  errCode,
		})
		return
	}

	logger.Info("Snapshot written",
		"path", resp.Path,
		"last_seq", resp.LastSeq,
		"took_ms", resp.TookMs)

	c.JSON(http.StatusOK, resp)
}

// HandleStats handles GET /v1/lineage/stats.
//
// Response:
//
//	200 OK: StatsResponse
func (h *Handlers) HandleStats(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, h.svc.Stats())
}

// HandleHealth handles GET /v1/lineage/health.
//
// Response:
//
//	200 OK: HealthResponse
//	503 Service Unavailable: Service is shutting down
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := h.svc.Health()
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// getOrCreateRequestID gets the request ID from headers or creates one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
