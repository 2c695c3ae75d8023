package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/engine"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/utils"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// Engine is the part of the sync engine the ops API drives.
type Engine interface {
	Status(ctx context.Context) (engine.Status, error)
	ManualSync() error
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id string) (int64, error)
	DiscardDeadLetter(ctx context.Context, id string) error
}

// Handlers serves the ops endpoints.
type Handlers struct {
	eng Engine
}

// New binds the handlers to eng.
func New(eng Engine) *Handlers {
	return &Handlers{eng: eng}
}

// Health reports liveness. It does not touch the engine.
func (h *Handlers) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Status returns the connection, scheduler, realtime and queue summary.
func (h *Handlers) Status(c *gin.Context) {
	st, err := h.eng.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeStatus, "could not read engine status")
		return
	}
	ok(c, http.StatusOK, st)
}

// Sync requests a drain pass. The pass runs in the background.
func (h *Handlers) Sync(c *gin.Context) {
	if err := h.eng.ManualSync(); err != nil {
		if errors.Is(err, engine.ErrOffline) {
			fail(c, http.StatusConflict, ErrCodeOffline, "device is offline")
			return
		}
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start sync")
		return
	}
	ok(c, http.StatusAccepted, gin.H{"status": "sync requested"})
}

// DeadLetterList is the body of GET /dead-letters.
type DeadLetterList struct {
	Items []domain.DeadLetter `json:"items"`
	Count int                 `json:"count"`
}

// ListDeadLetters returns dead letters, newest first. ?limit= defaults to 50
// and is capped at 500.
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	limit, valid := utils.ParseLimit(c.Query("limit"), defaultDeadLetterLimit, maxDeadLetterLimit)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
		return
	}
	items, err := h.eng.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list dead letters")
		return
	}
	if items == nil {
		items = []domain.DeadLetter{}
	}
	ok(c, http.StatusOK, DeadLetterList{Items: items, Count: len(items)})
}

// RetryDeadLetter re-enqueues a dead letter and returns its new queue seq.
func (h *Handlers) RetryDeadLetter(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	seq, err := h.eng.RetryDeadLetter(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter or its entity not found")
	case errors.Is(err, queue.ErrAlreadyCreated), errors.Is(err, queue.ErrEntityDeleted):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeRetry, "could not retry dead letter")
	default:
		ok(c, http.StatusAccepted, gin.H{"queue_seq": seq})
	}
}

// DiscardDeadLetter drops a dead letter for good.
func (h *Handlers) DiscardDeadLetter(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	err := h.eng.DiscardDeadLetter(c.Request.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dead letter not found")
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeDiscard, "could not discard dead letter")
	default:
		noContent(c)
	}
}
