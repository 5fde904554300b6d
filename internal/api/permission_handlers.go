package api

import (
	"net/http"

	"github.com/suoke-life/auth-service/internal/api/middleware"
	"github.com/suoke-life/auth-service/internal/apperr"
	"github.com/suoke-life/auth-service/internal/permission"
)

// CheckPermission handles GET /permissions/check?type=&id=&action=.
func (s *Server) CheckPermission(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	q := r.URL.Query()
	resourceType, resourceID, action := q.Get("type"), q.Get("id"), q.Get("action")
	if resourceType == "" || action == "" {
		respondError(w, apperr.E(apperr.KindBadRequest, "type and action are required"))
		return
	}

	allowed, err := s.permissions.CanAccess(r.Context(), userID, resourceType, resourceID, action)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type batchCheckRequest struct {
	Items []struct {
		ResourceType string `json:"resource_type"`
		ResourceID   string `json:"resource_id"`
		Action       string `json:"action"`
	} `json:"items"`
}

// BatchCheckPermissions handles POST /permissions/batch.
func (s *Server) BatchCheckPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	var req batchCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Items) == 0 {
		respondError(w, apperr.E(apperr.KindBadRequest, "items are required"))
		return
	}

	items := make([]permission.CheckItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = permission.CheckItem{
			ResourceType: it.ResourceType,
			ResourceID:   it.ResourceID,
			Action:       it.Action,
		}
	}

	results := s.permissions.BatchCheck(r.Context(), userID, items)

	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"resource_type": item.ResourceType,
			"resource_id":   item.ResourceID,
			"action":        item.Action,
			"allowed":       results[item],
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

// EffectivePermissions handles GET /permissions.
func (s *Server) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		respondError(w, apperr.Unauthorized())
		return
	}

	perms, err := s.permissions.EffectivePermissions(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
}
