package transport

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/pitabwire/pmisflow/internal/autostart"
)

// handleSubmissionPublish accepts an "entity submitted" notification from an
// upstream module and hands it to the autostart pipeline. The workflow is
// started asynchronously, so the response only acknowledges receipt.
func handleSubmissionPublish(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		if deps.Publisher == nil {
			WriteNotFound(w, "Submission events are not enabled")
			return
		}

		var body startBody
		if !decodeValidated(w, r, deps, "publishSubmission", true, &body) {
			return
		}

		ev := autostart.SubmissionEvent{
			EventID:     uuid.New().String(),
			EntityType:  body.EntityType,
			EntityID:    body.EntityID,
			Entity:      body.Entity,
			Module:      body.module(),
			SubmittedBy: actor.ID,
		}
		if err := deps.Publisher.Publish(r.Context(), ev); err != nil {
			writeRequestError(w, r, deps.Logger, fmt.Errorf("publish submission %s/%s: %w", ev.EntityType, ev.EntityID, err))
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
	}
}
