package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bedrock-failover/internal/failover"
	"bedrock-failover/internal/transport"
)

// invokeRequest is the admin API invocation payload.
type invokeRequest struct {
	Shape    string                   `json:"shape" binding:"required"` // converse | invoke
	ModelID  string                   `json:"model_id" binding:"required"`
	Messages []transport.Message      `json:"messages,omitempty"`
	System   []transport.SystemPrompt `json:"system,omitempty"`
	Body     string                   `json:"body,omitempty"`

	InferenceConfig map[string]any `json:"inference_config,omitempty"`
	ExtractText     bool           `json:"extract_text,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleEndpoints returns the current snapshot with eligibility.
func (s *Server) handleEndpoints(c *gin.Context) {
	now := time.Now().Unix()
	snapshot := s.engine.Snapshot()

	type endpointView struct {
		Region            string `json:"region"`
		Primary           bool   `json:"primary"`
		NextAvailableTime int64  `json:"next_available_time"`
		Eligible          bool   `json:"eligible"`
		ProfilePrefix     string `json:"region_profile_prefix,omitempty"`
	}

	views := make([]endpointView, 0, len(snapshot))
	for _, rec := range snapshot {
		views = append(views, endpointView{
			Region:            rec.Region,
			Primary:           rec.Primary,
			NextAvailableTime: rec.NextAvailableTime,
			Eligible:          rec.NextAvailableTime <= now,
			ProfilePrefix:     rec.RegionProfilePrefix,
		})
	}

	c.JSON(http.StatusOK, gin.H{"endpoints": views, "now": now})
}

func (s *Server) handleReload(c *gin.Context) {
	path := c.Query("path")
	if err := s.engine.Reload(path); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

func (s *Server) handleFailures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"failed_regions": s.engine.FailedRegions(),
		"error_log":      s.engine.ErrorLog(),
	})
}

func (s *Server) handlePersistFailures(c *gin.Context) {
	written, err := s.engine.PersistFailures()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"written": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": written})
}

// handleInvoke drives one failover session from the admin API.
// Streaming shapes are not exposed here; they are library-level.
func (s *Server) handleInvoke(c *gin.Context) {
	var body invokeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &transport.Request{ModelID: body.ModelID}
	switch body.Shape {
	case "converse":
		req.Shape = transport.ShapeConverse
		req.Messages = body.Messages
		req.System = body.System
		req.InferenceConfig = body.InferenceConfig
	case "invoke":
		req.Shape = transport.ShapeInvokeModel
		req.Body = []byte(body.Body)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "shape must be 'converse' or 'invoke'"})
		return
	}

	resp, err := s.engine.Invoke(c.Request.Context(), req)
	if err != nil {
		switch {
		case failover.IsInvalidRequest(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case failover.IsExhausted(err):
			exhausted := err.(*failover.ExhaustedError)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":          err.Error(),
				"attempts":       exhausted.Attempts,
				"failed_regions": exhausted.FailedRegions,
				"error_log":      exhausted.ErrorLog,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	out := gin.H{
		"region": resp.Region,
		"status": resp.StatusCode,
	}
	if body.ExtractText {
		out["content"] = resp.TextContent()
	} else {
		out["response"] = string(resp.Raw)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session tracking is disabled"})
		return
	}
	sessions, err := s.usage.RecentSessions(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
