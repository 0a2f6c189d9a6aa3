package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"nvrcore/apierr"
	"nvrcore/database"
)

// handleRecordingStart implements POST /api/v1/recordings/{id}/start,
// where {id} is a stream_id (spec §6's parameterized route standardizes
// on this form; see spec §9's open question (a)).
func (s *Server) handleRecordingStart(c *gin.Context) {
	streamID := c.Param("id")
	recordingID, err := s.registry.StartRecording(c.Request.Context(), streamID)
	if err != nil {
		writeError(c, err)
		return
	}

	rec, err := s.store.Get(recordingID)
	location := ""
	if err == nil && rec != nil {
		location = rec.FilePath
	}

	c.JSON(http.StatusAccepted, gin.H{
		"recording_id": recordingID,
		"stream_id":    streamID,
		"location":     location,
		"status":       "RECORDING",
	})
}

// handleRecordingStop implements POST /api/v1/recordings/{id}/stop.
func (s *Server) handleRecordingStop(c *gin.Context) {
	streamID := c.Param("id")
	recordingID, err := s.registry.StopRecording(c.Request.Context(), streamID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recording_id": recordingID,
		"stream_id":    streamID,
		"status":       "RECORDING_STOPPED",
	})
}

// handleRecordingsList implements GET /api/v1/recordings.
func (s *Server) handleRecordingsList(c *gin.Context) {
	recs, err := s.store.ListAll()
	if err != nil {
		writeError(c, apierr.Wrap(apierr.DBError, "failed to list recordings", err))
		return
	}

	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, gin.H{
			"id":               rec.ID,
			"file_name":        rec.FileName,
			"start_time":       rec.StartTime,
			"end_time":         rec.EndTime,
			"duration_seconds": rec.DurationSeconds,
			"file_size_bytes":  rec.FileSizeBytes,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleRecordingGet implements GET /api/v1/recordings/{id}.
func (s *Server) handleRecordingGet(c *gin.Context) {
	rec, err := s.lookupRecording(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":               rec.ID,
		"file_name":        rec.FileName,
		"file_path":        rec.FilePath,
		"start_time":       rec.StartTime,
		"end_time":         rec.EndTime,
		"duration_seconds": rec.DurationSeconds,
		"file_size_bytes":  rec.FileSizeBytes,
		"status":           string(rec.Status),
	})
}

// handleRecordingDownload implements GET /api/v1/recordings/{id}/download.
func (s *Server) handleRecordingDownload(c *gin.Context) {
	rec, err := s.lookupRecording(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+rec.FileName+"\"")
	c.File(rec.FilePath)
}

// handleRecordingDelete implements DELETE /api/v1/recordings/{id}. The
// row is deleted first, then the file (spec §4.4). A file that is already
// absent is not an error; any other removal failure is reported as
// INTERNAL_SERVER_ERROR even though the row is already gone.
func (s *Server) handleRecordingDelete(c *gin.Context) {
	rec, err := s.lookupRecording(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.Delete(rec.ID); err != nil {
		writeError(c, apierr.Wrap(apierr.DBError, "failed to delete recording row", err))
		return
	}
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		writeError(c, apierr.Wrap(apierr.InternalServer, "row deleted but file removal failed", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) lookupRecording(c *gin.Context) (*database.Recording, error) {
	id := c.Param("id")
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, apierr.Wrap(apierr.DBError, "failed to look up recording", err)
	}
	if rec == nil {
		return nil, apierr.New(apierr.ResourceNotFound, "unknown recording id")
	}
	return rec, nil
}
