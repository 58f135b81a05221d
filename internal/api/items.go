package api

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/items"
	"github.com/erazemk/najdeno/internal/model"
)

// ItemsHandler handles the item endpoints.
type ItemsHandler struct {
	Service        *items.Service
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// imageField is the multipart field carrying the picture.
const imageField = "itemImage"

// Report handles POST /api/items/report. The body is either JSON or a
// multipart form with an optional itemImage file.
func (h *ItemsHandler) Report(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)

	var in items.ReportInput
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				jsonError(w, http.StatusRequestEntityTooLarge, "request too large")
				return
			}
			jsonError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()

		in = items.ReportInput{
			Name:        r.FormValue("itemName"),
			Category:    r.FormValue("category"),
			Location:    r.FormValue("location"),
			Description: r.FormValue("description"),
			Type:        model.ItemType(r.FormValue("itemType")),
		}

		file, _, err := r.FormFile(imageField)
		switch {
		case err == nil:
			defer file.Close()
			in.Image = file
		case errors.Is(err, http.ErrMissingFile):
		default:
			jsonError(w, http.StatusBadRequest, "invalid image upload")
			return
		}
	} else if err := decodeJSON(r, &in); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.Service.Report(r.Context(), in, claim)
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusCreated, item)
}

// ListApproved handles GET /api/items/all.
func (h *ItemsHandler) ListApproved(w http.ResponseWriter, r *http.Request, _ identity.Claim) {
	list, err := h.Service.ListApproved(r.Context())
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

// ListOwn handles GET /api/items/my-reports.
func (h *ItemsHandler) ListOwn(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
	list, err := h.Service.ListOwn(r.Context(), claim)
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

// ListPending handles GET /api/admin/pending-items.
func (h *ItemsHandler) ListPending(w http.ResponseWriter, r *http.Request, _ identity.Claim) {
	list, err := h.Service.ListPending(r.Context())
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

// Approve handles PUT /api/admin/approve-item/{id}.
func (h *ItemsHandler) Approve(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	item, err := h.Service.Approve(r.Context(), id, claim)
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"msg": "Item approved successfully", "item": item})
}

// Claim handles PUT /api/admin/claim-item/{id}.
func (h *ItemsHandler) Claim(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	item, err := h.Service.Claim(r.Context(), id, claim)
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"msg": "Item marked as Claimed", "item": item})
}

// History handles GET /api/admin/items/{id}/history.
func (h *ItemsHandler) History(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}

	history, err := h.Service.History(r.Context(), id, claim)
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	jsonResponse(w, http.StatusOK, history)
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return id, true
}

// MediaHandler serves images stored in the database.
type MediaHandler struct {
	Source MediaSource
	Logger *slog.Logger
}

// Get handles GET /api/media/{id}.
func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request, _ identity.Claim) {
	if h.Source == nil {
		jsonError(w, http.StatusNotFound, "image not found")
		return
	}

	data, mimeType, err := h.Source.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, r, h.Logger, err)
		return
	}
	if data == nil {
		jsonError(w, http.StatusNotFound, "image not found")
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}
