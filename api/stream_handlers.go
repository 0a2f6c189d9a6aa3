package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nvrcore/apierr"
	"nvrcore/pipeline"
	"nvrcore/session"
)

type connectRequest struct {
	Protocol string `json:"protocol" binding:"required"`
	URL      string `json:"url" binding:"required"`
}

// handleConnect implements POST /api/v1/streams/connect (spec §6).
func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidParameter, "body must be {protocol, url}: "+err.Error()))
		return
	}

	protocol := pipeline.Protocol(strings.ToUpper(req.Protocol))
	if protocol != pipeline.ProtocolRTSP && protocol != pipeline.ProtocolWebRTC {
		writeError(c, apierr.New(apierr.InvalidParameter, "protocol must be rtsp or webrtc"))
		return
	}

	id, err := s.registry.Create(c.Request.Context(), protocol, req.URL)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"stream_id": id,
		"status":    "CONNECTING",
		"message":   "stream connection in progress",
	})
}

// handleDisconnect implements POST /api/v1/streams/{id}/disconnect.
func (s *Server) handleDisconnect(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Disconnect(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "DISCONNECTING",
		"message": "stream teardown in progress",
	})
}

// handleStreamsStatus implements GET /api/v1/streams/status.
func (s *Server) handleStreamsStatus(c *gin.Context) {
	snapshots := s.registry.List(c.Request.Context())
	streams := make(gin.H, len(snapshots))
	for _, snap := range snapshots {
		streams[snap.ID] = streamStatusJSON(snap)
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

// handleStreamStatus implements GET /api/v1/streams/{id}/status.
func (s *Server) handleStreamStatus(c *gin.Context) {
	snap, err := s.registry.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, streamStatusJSON(snap))
}

// handleStreamDebug implements GET /api/v1/streams/{id}/debug.
func (s *Server) handleStreamDebug(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.registry.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	pl := s.registry.Pipeline(id)
	elements := []string{}
	if pl != nil {
		elements = pl.Elements()
		if recID, ok := s.controller.IsRecording(id); ok {
			elements = append(elements, "recording-branch:"+recID)
		}
	}

	body := streamStatusJSON(snap)
	body["pipeline_state"] = snap.PipelineState.String()
	body["pipeline_info"] = gin.H{"elements": elements}
	c.JSON(http.StatusOK, body)
}

func streamStatusJSON(snap session.Snapshot) gin.H {
	return gin.H{
		"is_connected": snap.IsConnected,
		"protocol":     string(snap.Protocol),
		"url":          snap.SourceURL,
		"is_recording": snap.IsRecording,
		"connected_at": snap.ConnectedAt,
	}
}
