package transport

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
)

const maxPageSize = 200

type startBody struct {
	DefinitionID   string         `json:"definition_id"`
	Version        int            `json:"version"`
	Variables      map[string]any `json:"variables"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type completeBody struct {
	StepID  string         `json:"step_id"`
	StepSeq int            `json:"step_seq"`
	Attempt int            `json:"attempt"`
	Action  string         `json:"action"`
	Result  map[string]any `json:"result"`
	Comment string         `json:"comment"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func handleInstanceStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body startBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if body.DefinitionID == "" {
			WriteError(w, model.NewBadRequestError("definition_id is required"))
			return
		}
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)
		}

		inst, err := engine.Start(r.Context(), rctx, workflow.StartRequest{
			DefinitionID: body.DefinitionID,
			Version:      body.Version,
			Trigger: model.TriggerContext{
				Type:    model.TriggerManual,
				Source:  "api",
				ActorID: rctx.Actor(),
			},
			Variables:      body.Variables,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		pageSize := queryInt(r, "page_size", 20)
		if pageSize < 1 || pageSize > maxPageSize {
			pageSize = 20
		}

		filters := workflow.InstanceFilters{
			DefinitionID: q.Get("definition_id"),
			ParentID:     q.Get("parent_id"),
			Limit:        pageSize,
			Offset:       (page - 1) * pageSize,
		}
		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				status := model.InstanceStatus(strings.TrimSpace(s))
				if !validStatus(status) {
					WriteError(w, model.NewBadRequestError("unknown status "+string(status)))
					return
				}
				filters.Statuses = append(filters.Statuses, status)
			}
		}

		instances, total, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        instances,
			"total_count": total,
			"page":        page,
			"page_size":   pageSize,
		})
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.Events(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleInstanceComplete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil || rctx.ActorID == "" {
			WriteError(w, model.NewBadRequestError(HeaderActorID+" header is required"))
			return
		}

		var body completeBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if body.StepID == "" {
			WriteError(w, model.NewBadRequestError("step_id is required"))
			return
		}

		inst, err := engine.Complete(r.Context(), rctx, workflow.CompleteRequest{
			InstanceID: chi.URLParam(r, "id"),
			StepID:     body.StepID,
			StepSeq:    body.StepSeq,
			Attempt:    body.Attempt,
			Action:     body.Action,
			Result:     body.Result,
			Comment:    body.Comment,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		inst, err := engine.Cancel(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceSuspend(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		inst, err := engine.Suspend(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceResume(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Resume(r.Context(), model.RequestContextFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func validStatus(s model.InstanceStatus) bool {
	switch s {
	case model.InstanceActive, model.InstanceCompleted, model.InstanceCancelled,
		model.InstanceSuspended, model.InstanceError:
		return true
	}
	return false
}
