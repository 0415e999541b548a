package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/rfid"
	"github.com/illmade-knight/rfid-ingestion/pkg/stats"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Broker    string `json:"broker,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response body.")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// handleSaveConfig stores a broker configuration without connecting. The
// response echoes the accepted config with the password masked.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg rfid.BrokerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.manager.Configure(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Password = ""
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleConnect opens a session using the saved configuration. Connection
// establishment is asynchronous, so success means "dialing", not "attached";
// the outcome arrives on the status stream.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ConnectSaved(r.Context()); err != nil {
		if errors.Is(err, rfid.ErrInvalidBrokerConfig) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state := s.manager.Status()
	s.writeJSON(w, http.StatusAccepted, statusResponse{
		Connected: state.Connected(),
		State:     state.String(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Connected: false, State: s.manager.Status().String()})
}

// handleStatus reports the connection indicator. A status query before any
// configuration was saved is a client error, matching the save-then-connect
// flow the dashboard drives.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg, ok := s.manager.SavedConfig()
	if !ok {
		s.writeError(w, http.StatusBadRequest, "no broker configuration saved")
		return
	}
	state := s.manager.Status()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Connected: state.Connected(),
		State:     state.String(),
		Broker:    cfg.BrokerURL(),
	})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.tags.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}

// handleUpsertTag registers or updates a tag. Registration also pre-creates
// the tag's statistic row so strict counting starts immediately, and evicts
// any cached copy of the old metadata.
func (s *Server) handleUpsertTag(w http.ResponseWriter, r *http.Request) {
	var info rfid.TagInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if epc := r.PathValue("epc"); epc != "" {
		info.TagID = epc
	}
	if info.TagID == "" {
		s.writeError(w, http.StatusBadRequest, "tag id is required")
		return
	}

	if err := s.tags.Put(r.Context(), info); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.stats.Create(r.Context(), info.TagID); err != nil {
		s.logger.Error().Err(err).Str("tag_id", info.TagID).Msg("Failed to pre-create statistic row.")
	}
	s.invalidate(r, info.TagID)

	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	info, err := s.tags.Lookup(r.Context(), r.PathValue("epc"))
	if err != nil {
		if errors.Is(err, registry.ErrTagNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	epc := r.PathValue("epc")
	if err := s.tags.Delete(r.Context(), epc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.invalidate(r, epc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStats(w http.ResponseWriter, r *http.Request) {
	all, err := s.stats.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetStat(w http.ResponseWriter, r *http.Request) {
	stat, err := s.stats.Get(r.Context(), r.PathValue("epc"))
	if err != nil {
		if errors.Is(err, stats.ErrStatNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stat)
}

func (s *Server) invalidate(r *http.Request, tagID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(r.Context(), tagID); err != nil {
		s.logger.Warn().Err(err).Str("tag_id", tagID).Msg("Failed to invalidate cached tag entry.")
	}
}
