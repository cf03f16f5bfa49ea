package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroProxyAPI/internal/credential"
	apperrors "github.com/router-for-me/KiroProxyAPI/internal/errors"
)

// PrioritySetter is the store capability the admin API needs beyond the pool.
type PrioritySetter interface {
	SetPriority(ctx context.Context, id int64, priority int) error
}

// AdminHandler exposes the credential management API.
type AdminHandler struct {
	pool  *credential.Pool
	store PrioritySetter
}

// NewAdminHandler wraps the pool and the priority-capable store.
func NewAdminHandler(pool *credential.Pool, store PrioritySetter) *AdminHandler {
	return &AdminHandler{pool: pool, store: store}
}

// ListCredentials returns sanitized runtime snapshots of every credential.
func (h *AdminHandler) ListCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"credentials": h.pool.Snapshots()})
}

// SetDisabled manually disables or re-enables one credential.
func (h *AdminHandler) SetDisabled(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Disabled == nil {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"body must be {\"disabled\": true|false}", err))
		return
	}
	if err := h.pool.SetDisabled(id, *req.Disabled); err != nil {
		writeAdminError(c, id, err)
		return
	}
	log.Infof("credential %d disabled=%t via admin API", id, *req.Disabled)
	c.JSON(http.StatusOK, gin.H{"id": id, "disabled": *req.Disabled})
}

// SetPriority persists a new priority and reloads the pool ordering.
func (h *AdminHandler) SetPriority(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req struct {
		Priority *int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Priority == nil {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"body must be {\"priority\": n}", err))
		return
	}
	if err := h.store.SetPriority(c.Request.Context(), id, *req.Priority); err != nil {
		writeAdminError(c, id, err)
		return
	}
	h.pool.Kick()
	log.Infof("credential %d priority=%d via admin API", id, *req.Priority)
	c.JSON(http.StatusOK, gin.H{"id": id, "priority": *req.Priority})
}

// ResetFailures clears the failure counter and any disable window.
func (h *AdminHandler) ResetFailures(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := h.pool.ResetFailures(id); err != nil {
		writeAdminError(c, id, err)
		return
	}
	log.Infof("credential %d failure state reset via admin API", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "reset": true})
}

func credentialID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeAppError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"credential id must be an integer", err))
		return 0, false
	}
	return id, true
}

func writeAdminError(c *gin.Context, id int64, err error) {
	if errors.Is(err, credential.ErrNotFound) {
		writeAppError(c, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound,
			"credential "+strconv.FormatInt(id, 10)+" not found", err))
		return
	}
	writeAppError(c, apperrors.New(http.StatusInternalServerError, apperrors.CodeAPIError,
		err.Error(), err))
}
