package transport

import (
	"net/http"

	"github.com/pitabwire/careflow/internal/inbox"
	"github.com/pitabwire/careflow/model"
)

// handleTasks lists the pending tasks of ?actor_id=, falling back to the
// calling actor.
func handleTasks(tasks *inbox.Inbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := r.URL.Query().Get("actor_id")
		if actor == "" {
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				actor = rctx.ActorID
			}
		}

		list, err := tasks.TasksFor(r.Context(), actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        list,
			"total_count": len(list),
		})
	}
}
