package transport

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/careflow/internal/definition"
	"github.com/pitabwire/careflow/model"
)

func handleDefinitionList(catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := catalog.Store().List(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        defs,
			"total_count": len(defs),
		})
	}
}

func handleDefinitionGet(catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := catalog.Store().Latest(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionVersions(catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		defs, err := catalog.Store().Versions(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if len(defs) == 0 {
			WriteNotFound(w, "definition "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        defs,
			"total_count": len(defs),
		})
	}
}

func handleDefinitionVersion(catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version < 1 {
			WriteError(w, model.NewBadRequestError("version must be a positive integer"))
			return
		}
		def, err := catalog.Store().Get(r.Context(), chi.URLParam(r, "id"), version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// handleDefinitionPublish accepts a YAML or JSON definition document.
func handleDefinitionPublish(catalog *definition.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable body"))
			return
		}
		if len(data) == 0 {
			WriteError(w, model.NewBadRequestError("definition document is required"))
			return
		}

		def, err := catalog.PublishDocument(r.Context(), data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}
