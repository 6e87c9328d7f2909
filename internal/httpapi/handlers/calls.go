package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"ordercall/internal/campaign"
	"ordercall/internal/common"
)

type taskReq struct {
	TaskID string `json:"task_id" binding:"required"`
}

// TaskLastMessage returns the task's selected options and the flattened
// conversation transcript.
func (h *Handler) TaskLastMessage(c *gin.Context) {
	var req taskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	options, conversationText, err := h.Orch.FetchSelectedOptions(c.Request.Context(), req.TaskID)
	if err != nil {
		log.Printf("[CALLS] fetch selected options failed task_id=%s err=%v", req.TaskID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to fetch selected options")
		return
	}
	if len(options) == 0 && conversationText == "" {
		common.Fail(c, http.StatusNotFound, 40401, "task has no messages")
		return
	}

	common.Ok(c, gin.H{
		"task_id":           req.TaskID,
		"selected_options":  options,
		"conversation_text": conversationText,
	})
}

// ExecutePhoneCalls triggers a campaign synchronously and returns the
// per-vendor placement outcomes. Completion details arrive later via the
// status endpoint; polling is decoupled from this request.
func (h *Handler) ExecutePhoneCalls(c *gin.Context) {
	var req taskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	results, err := h.Orch.ExecuteCalls(c.Request.Context(), req.TaskID)
	if err != nil {
		log.Printf("[CALLS] execute phone calls failed task_id=%s err=%v", req.TaskID, err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to execute phone calls")
		return
	}

	common.Ok(c, gin.H{
		"task_id":      req.TaskID,
		"call_results": results,
	})
}

// ExecutePhoneCallsAsync creates a campaign job and hands it to the worker.
func (h *Handler) ExecutePhoneCallsAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async execution disabled")
		return
	}

	var req taskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("[CALLS] new ulid failed task_id=%s err=%v", req.TaskID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &campaign.Job{
		ID:             jobID,
		TaskID:         req.TaskID,
		IdempotencyKey: idempoKeyPtr,
		Status:         campaign.JobQueued,
	}

	job, created, err := h.Jobs.CreateOrGetExisting(c.Request.Context(), j)
	if err != nil {
		log.Printf("[CALLS] create job failed task_id=%s err=%v", req.TaskID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("[CALLS] publish job failed job_id=%s err=%v", job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.Ok(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetCampaignJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.Ok(c, gin.H{
		"job": gin.H{
			"id":         j.ID,
			"task_id":    j.TaskID,
			"status":     j.Status,
			"results":    j.Results,
			"error":      j.Error,
			"created_at": j.CreatedAt,
			"updated_at": j.UpdatedAt,
		},
	})
}

// SelectedOptionsStatus returns the current persisted vendor list so
// clients can poll call progress.
func (h *Handler) SelectedOptionsStatus(c *gin.Context) {
	var req taskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	st, err := h.Store.GetState(c.Request.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// fall back to the latest message's option list
			latest, lerr := h.Store.LatestMessage(c.Request.Context(), req.TaskID)
			if lerr == nil && len(latest.Options) > 0 {
				common.Ok(c, gin.H{"task_id": req.TaskID, "options": latest.Options})
				return
			}
			common.Fail(c, http.StatusNotFound, 40403, "no options found for task")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.Ok(c, gin.H{"task_id": req.TaskID, "options": st.Options})
}
