package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("flush", d.handleFlush)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("enqueue", d.handleEnqueue)
	d.server.Handle("remove", d.handleRemove)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// handleFlush runs a drain pass synchronously and reports what is left.
func (d *Daemon) handleFlush(req *uds.Request) *uds.Response {
	if err := d.engine.Flush(d.ctx); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("drain: %v", err))
	}
	return uds.SuccessResponse(map[string]int{"remaining": d.store.Len()})
}

type statusData struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	FailedRetryable int `json:"failed_retryable"`
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var data statusData
	for _, m := range d.store.List() {
		data.Total++
		switch m.Status {
		case model.StatusPending:
			data.Pending++
		case model.StatusInFlight:
			data.InFlight++
		case model.StatusFailedRetryable:
			data.FailedRetryable++
		}
	}
	return uds.SuccessResponse(data)
}

type enqueueParams struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    struct {
		Summary    string `json:"summary"`
		EntityType string `json:"entity_type"`
	} `json:"meta"`
}

// handleEnqueue persists a mutation on behalf of an out-of-process caller and
// schedules a drain.
func (d *Daemon) handleEnqueue(req *uds.Request) *uds.Response {
	var params enqueueParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.Type == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "mutation type is required")
	}

	var payload any
	if len(params.Payload) > 0 {
		if err := json.Unmarshal(params.Payload, &payload); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse payload: %v", err))
		}
	}

	m, err := d.engine.Queue(params.Type, payload, model.Meta{
		Summary:    params.Meta.Summary,
		EntityType: params.Meta.EntityType,
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeStorage, fmt.Sprintf("enqueue: %v", err))
	}

	d.scheduleFlush()

	return uds.SuccessResponse(map[string]string{
		"id":     m.ID,
		"status": string(m.Status),
	})
}

type removeParams struct {
	ID string `json:"id"`
}

// handleRemove cancels a queued mutation on explicit user request. Removal is
// idempotent: cancelling an id that already drained succeeds.
func (d *Daemon) handleRemove(req *uds.Request) *uds.Response {
	var params removeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if !model.ValidateID(params.ID) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid mutation id: %q", params.ID))
	}

	if err := d.store.Remove(params.ID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeStorage, fmt.Sprintf("remove: %v", err))
	}
	d.log(LogLevelInfo, "mutation cancelled id=%s", params.ID)

	return uds.SuccessResponse(map[string]string{"id": params.ID})
}
