package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"zwave-go-home/internal/color"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/zwave"
)

// parseNodeID reads the {id} path segment.
func parseNodeID(r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 8)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint8(n), true
}

// lightError maps coordinator errors to responses.
func (s *Server) lightError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownLight), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "light not found")
	case errors.Is(err, zwave.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "network unavailable")
	default:
		s.logger.Error("light request", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPIListLights(w http.ResponseWriter, r *http.Request) {
	lights, err := s.coord.Lights(r.Context())
	if err != nil {
		s.lightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lights)
}

func (s *Server) handleAPIGetLight(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	snap, err := s.coord.Light(r.Context(), id)
	if err != nil {
		s.lightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPILightValues(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	values, err := s.coord.Values(r.Context(), id)
	if err != nil {
		s.lightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, values)
}

// turnOnRequest is the optional body of POST /api/lights/{id}/on.
type turnOnRequest struct {
	Brightness *uint8     `json:"brightness"`
	RGB        *color.RGB `json:"rgb_color"`
	ColorTemp  *float64   `json:"color_temp"`
}

func (req turnOnRequest) options() light.TurnOnOptions {
	return light.TurnOnOptions{
		Brightness: req.Brightness,
		RGB:        req.RGB,
		ColorTemp:  req.ColorTemp,
	}
}

func (s *Server) handleAPITurnOn(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	var req turnOnRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := s.coord.TurnOn(r.Context(), id, req.options())
	if err != nil {
		s.lightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPITurnOff(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	snap, err := s.coord.TurnOff(r.Context(), id)
	if err != nil {
		s.lightError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.coord.Store().ListNodes()
	if err != nil {
		s.logger.Error("list nodes", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if nodes == nil {
		nodes = []*store.Node{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	node, err := s.coord.Store().GetNode(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		s.logger.Error("get node", "err", err, "node", id)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

type renameNodeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameNode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseNodeID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	var req renameNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.coord.RenameNode(r.Context(), id, req.Name)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, node)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, coordinator.ErrEmptyName):
		s.writeError(w, http.StatusBadRequest, "name is required")
	default:
		s.lightError(w, err)
	}
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.DeviceDB().All())
}
