package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/health"
	"zmigrated/internal/machine"
	"zmigrated/internal/orchestrator"
	"zmigrated/internal/rollback"
)

func (s *GinServer) handleStatus(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), orchestrator.StatusCommand{})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *GinServer) handlePlan(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), orchestrator.PlanCommand{})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *GinServer) handleStep(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), orchestrator.StepCommand{})
	if err != nil {
		code := statusForError(err)
		body := gin.H{"error": err.Error()}
		if res, ok := resp.(orchestrator.StepResult); ok {
			body["result"] = res
		}
		c.JSON(code, body)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type rollbackRequest struct {
	Index int `json:"index"`
}

func (s *GinServer) handleRollback(c *gin.Context) {
	var req rollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	cmd := orchestrator.RollbackCommand{Criterion: rollback.Criterion{Index: req.Index}}
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), cmd)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *GinServer) handleRollbackCandidates(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), orchestrator.CandidatesCommand{})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": resp})
}

func (s *GinServer) handleCheckpoints(c *gin.Context) {
	resp, err := s.dispatcher.Dispatch(c.Request.Context(), orchestrator.CheckpointsCommand{})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": resp})
}

type destroyCheckpointRequest struct {
	Label     string    `json:"label" binding:"required"`
	CreatedAt time.Time `json:"created_at" binding:"required"`
	Force     bool      `json:"force"`
}

func (s *GinServer) handleDestroyCheckpoint(c *gin.Context) {
	var req destroyCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label and created_at are required"})
		return
	}
	cmd := orchestrator.DestroyCheckpointCommand{
		Ref:   checkpoint.GroupRef{Label: req.Label, CreatedAt: req.CreatedAt},
		Force: req.Force,
	}
	if _, err := s.dispatcher.Dispatch(c.Request.Context(), cmd); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": true})
}

func (s *GinServer) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *GinServer) handleHealthReady(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	if s.health.Overall() == health.LevelError {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *GinServer) handleHealthDetail(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"components": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"overall":    s.health.Overall().String(),
		"components": s.health.Snapshot(),
	})
}

func isPrecondition(err error) bool {
	var pre *machine.PreconditionError
	var term *machine.TerminalError
	return errors.As(err, &pre) ||
		errors.As(err, &term) ||
		errors.Is(err, rollback.ErrNoCandidates) ||
		errors.Is(err, rollback.ErrIndexOutOfRange) ||
		errors.Is(err, rollback.ErrInconsistentGroup) ||
		errors.Is(err, checkpoint.ErrGroupReferenced)
}

func isActionFailure(err error) bool {
	var act *machine.ActionError
	var capture *checkpoint.CaptureError
	var rb *checkpoint.RollbackError
	return errors.As(err, &act) || errors.As(err, &capture) || errors.As(err, &rb)
}
