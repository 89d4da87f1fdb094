package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/internal/workflow"
	"github.com/pitabwire/careflow/model"
)

// handleWebhook starts the latest version of a webhook-triggered definition.
// The JSON body becomes the trigger payload.
func handleWebhook(engine *workflow.Engine, catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defID := chi.URLParam(r, "definitionId")
		def, err := catalog.Store().Latest(r.Context(), defID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if def.Trigger.Type != model.TriggerWebhook {
			WriteNotFound(w, fmt.Sprintf("definition %q has no webhook trigger", defID))
			return
		}

		var payload map[string]any
		if err := decodeJSON(r, &payload, true); err != nil {
			WriteError(w, err)
			return
		}

		rctx := model.RequestContextFrom(r.Context())
		inst, err := engine.Start(r.Context(), rctx, workflow.StartRequest{
			DefinitionID: def.ID,
			Version:      def.Version,
			Trigger: model.TriggerContext{
				Type:    model.TriggerWebhook,
				Source:  r.URL.Path,
				ActorID: rctx.Actor(),
				Payload: payload,
			},
			IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"instance_id": inst.ID,
			"status":      inst.Status,
		})
	}
}
