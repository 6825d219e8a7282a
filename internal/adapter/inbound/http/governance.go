package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/actiongate/actiongate/internal/domain/policy"
	"github.com/actiongate/actiongate/internal/service"
)

type policyMeta struct {
	ETag     string `json:"etag"`
	Revision int    `json:"revision"`
}

type policyResponse struct {
	Policy *policy.Document `json:"policy"`
	Meta   policyMeta       `json:"meta"`
	Path   string           `json:"path"`
}

func (h *Handler) writePolicy(w http.ResponseWriter, snap *service.PolicySnapshot) {
	w.Header().Set("ETag", `"`+snap.ETag+`"`)
	w.Header().Set("X-Policy-Revision", strconv.Itoa(snap.Revision))
	writeJSON(w, http.StatusOK, policyResponse{
		Policy: snap.Doc,
		Meta:   policyMeta{ETag: snap.ETag, Revision: snap.Revision},
		Path:   h.svc.Policies.Path(),
	})
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	h.writePolicy(w, snap)
}

func (h *Handler) handleValidatePolicy(w http.ResponseWriter, r *http.Request) {
	doc := &policy.Document{}
	if !decodeJSON(w, r, doc) {
		return
	}
	errs, warnings := h.svc.Policies.Validate(doc)
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       len(errs) == 0,
		"errors":   errs,
		"warnings": warnings,
	})
}

// trimETag strips the quoted form and any weak-validator prefix.
func trimETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}

func (h *Handler) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.devMode {
		writeError(w, r, http.StatusForbidden, "dev_mode_required",
			"policy mutation is only available in dev mode", nil)
		return
	}

	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		writeError(w, r, http.StatusPreconditionRequired, "precondition_required",
			"If-Match header is required for policy mutation", nil)
		return
	}

	snap, ok := h.policySnapshot(w, r)
	if !ok {
		return
	}
	if trimETag(ifMatch) != snap.ETag {
		writeError(w, r, http.StatusPreconditionFailed, "precondition_failed",
			"policy changed since the presented ETag", map[string]any{"current_etag": snap.ETag})
		return
	}

	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"unreadable request body", nil)
		return
	}
	if !json.Valid(patch) {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error",
			"merge patch body must be valid JSON", nil)
		return
	}

	updated, err := h.svc.Policies.MergePatch(patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.decisions.Clear()
	h.writePolicy(w, updated)
}
