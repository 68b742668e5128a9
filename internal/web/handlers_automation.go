package web

import (
	"encoding/json"
	"net/http"
	"slices"
)

type scriptView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	scripts, err := s.autoEngine.Scripts()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.autoEngine.Running()
	for _, sc := range scripts {
		views = append(views, scriptView{
			ID:          sc.ID,
			Name:        sc.Meta.Name,
			Description: sc.Meta.Description,
			Enabled:     sc.Meta.Enabled,
			Running:     slices.Contains(running, sc.ID),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIReloadScript(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automations not available")
		return
	}
	id := r.PathValue("id")
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.logger.Warn("reload script", "id", id, "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": slices.Contains(s.autoEngine.Running(), id),
	})
}

type runScriptRequest struct {
	LuaCode string `json:"lua_code"`
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusNotFound, "automations not available")
		return
	}
	var req runScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LuaCode == "" {
		s.writeError(w, http.StatusBadRequest, "lua_code is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
