package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/pmisflow/internal/report"
	"github.com/pitabwire/pmisflow/internal/workflow"
	"github.com/pitabwire/pmisflow/model"
)

type startBody struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Entity     map[string]any `json:"entity"`
	Module     string         `json:"module"`
	AssignedTo string         `json:"assigned_to"`
}

func (b startBody) module() *model.Module {
	if b.Module == "" {
		return nil
	}
	m := model.Module(b.Module)
	return &m
}

type tatResponse struct {
	model.TATReport
	SLADeadline *time.Time `json:"sla_deadline"`
	IsOverdue   bool       `json:"is_overdue"`
}

func handleWorkflowStart(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body startBody
		if !decodeValidated(w, r, deps, "startWorkflow", true, &body) {
			return
		}

		req := workflow.StartRequest{
			EntityType: body.EntityType,
			EntityID:   body.EntityID,
			Module:     body.module(),
		}
		if body.Entity != nil {
			req.Entity = model.Record(body.Entity)
		}
		if body.AssignedTo != "" {
			assignee := body.AssignedTo
			req.AssignedTo = &assignee
		}

		inst, created, err := deps.Engine.Start(r.Context(), req, actor)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, inst)
	}
}

func handleWorkflowGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestActor(w, r); !ok {
			return
		}
		inst, err := deps.Engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowForward(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Remarks string `json:"remarks"`
		}
		if !decodeValidated(w, r, deps, "forwardWorkflow", false, &body) {
			return
		}

		result, err := deps.Engine.Forward(r.Context(), chi.URLParam(r, "instanceId"), actor, body.Remarks)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowRevert(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			ToStep  int    `json:"to_step"`
			Remarks string `json:"remarks"`
		}
		if !decodeValidated(w, r, deps, "revertWorkflow", true, &body) {
			return
		}

		result, err := deps.Engine.Revert(r.Context(), chi.URLParam(r, "instanceId"), body.ToStep, actor, body.Remarks)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowReject(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Remarks string `json:"remarks"`
		}
		if !decodeValidated(w, r, deps, "rejectWorkflow", false, &body) {
			return
		}

		result, err := deps.Engine.Reject(r.Context(), chi.URLParam(r, "instanceId"), actor, body.Remarks)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowCancel(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if !decodeValidated(w, r, deps, "cancelWorkflow", false, &body) {
			return
		}

		result, err := deps.Engine.Cancel(r.Context(), chi.URLParam(r, "instanceId"), actor, body.Reason)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowPending(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		instances, err := deps.Engine.PendingFor(r.Context(), actor)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if instances == nil {
			instances = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        instances,
			"total_count": len(instances),
		})
	}
}

// handleWorkflowOverdue lists SLA breaches across all modules. It is a
// supervision view and is limited to superusers.
func handleWorkflowOverdue(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		if !actor.Superuser {
			WriteForbidden(w, "Only superusers can list overdue workflows")
			return
		}
		items, err := deps.Engine.ListOverdue(r.Context(), deps.now())
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if items == nil {
			items = []workflow.OverdueItem{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        items,
			"total_count": len(items),
		})
	}
}

func handleWorkflowHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestActor(w, r); !ok {
			return
		}
		entries, err := deps.Engine.History(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func handleWorkflowTAT(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestActor(w, r); !ok {
			return
		}
		id := chi.URLParam(r, "instanceId")
		now := deps.now()

		tat, err := deps.Engine.TAT(r.Context(), id, now)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		sla, err := slaStatus(r, deps, id, now)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		resp := tatResponse{TATReport: tat, IsOverdue: sla.IsOverdue}
		if sla.HasSLA {
			deadline := sla.Deadline
			resp.SLADeadline = &deadline
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleWorkflowTATExport(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestActor(w, r); !ok {
			return
		}
		id := chi.URLParam(r, "instanceId")
		now := deps.now()

		inst, err := deps.Engine.Get(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		tat, err := deps.Engine.TAT(r.Context(), id, now)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		history, err := deps.Engine.History(r.Context(), id)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		sla, err := slaStatus(r, deps, id, now)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		// Render fully before writing headers so a failure still yields a
		// JSON error.
		var buf bytes.Buffer
		in := report.TATInput{Instance: inst, TAT: tat, History: history, SLA: sla}
		if err := report.WriteTAT(&buf, in); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(inst)))
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	}
}

func slaStatus(r *http.Request, deps Dependencies, id string, now time.Time) (report.SLAStatus, error) {
	deadline, ok, err := deps.Engine.SLADeadline(r.Context(), id)
	if err != nil || !ok {
		return report.SLAStatus{}, err
	}
	return report.SLAStatus{Deadline: deadline, HasSLA: true, IsOverdue: now.After(deadline)}, nil
}

// --- helpers ---

// requestActor returns the caller's engine identity. It writes 401 and
// returns false when the request was not authenticated.
func requestActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return model.Actor{}, false
	}
	return rctx.Actor(), true
}

// decodeValidated reads a JSON object body, validates it against the
// operation's request schema and decodes it into dst. An empty body is
// accepted as {} unless required. It writes the error response and returns
// false on failure.
func decodeValidated(w http.ResponseWriter, r *http.Request, deps Dependencies, operationID string, required bool, dst any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, model.NewBadRequestError("unable to read request body"))
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if required {
			WriteError(w, model.NewBadRequestError("request body is required"))
			return false
		}
		raw = []byte("{}")
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil || generic == nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	if deps.APIDoc != nil {
		if details := deps.APIDoc.ValidateRequest(operationID, generic); len(details) > 0 {
			WriteValidationError(w, details)
			return false
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}
