package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/server/models"
)

const (
	maxEntrySize = 64 << 10
	changedEvent = "changed"
	pingTimeout  = 10 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) getFamily(w http.ResponseWriter, r *http.Request) {
	familyID := r.PathValue("familyId")

	f, err := s.registry.Lookup(r.Context(), familyID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			writeError(w, http.StatusNotFound, "family not found")
			return
		}
		s.logger.Error(r.Context(), "lookup failed", "family_id", familyID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, f)
}

func (s *Server) putFamily(w http.ResponseWriter, r *http.Request) {
	familyID := r.PathValue("familyId")

	var f models.Family
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEntrySize))
	if err := dec.Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	if err := s.registry.Put(r.Context(), familyID, &f); err != nil {
		if errors.Is(err, common.ErrInvalidFormat) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error(r.Context(), "put failed", "family_id", familyID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info(r.Context(), "family registered", "family_id", familyID, "provider", f.Provider)
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) deleteFamily(w http.ResponseWriter, r *http.Request) {
	familyID := r.PathValue("familyId")

	if err := s.registry.Delete(r.Context(), familyID); err != nil {
		s.logger.Error(r.Context(), "delete failed", "family_id", familyID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) relayToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.relay.IssueToken(r.PathValue("familyId"))
	if err != nil {
		s.logger.Error(r.Context(), "token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) relayNotify(w http.ResponseWriter, r *http.Request) {
	familyID := r.Context().Value(familyIDKey).(string)
	n := s.relay.Notify(familyID)
	s.logger.Debug(r.Context(), "relay notify", "family_id", familyID, "subscribers", n)
	w.WriteHeader(http.StatusAccepted)
}

// relayEvents upgrades to a websocket and sends one "changed" text message
// per signal until the client goes away or the server shuts down.
func (s *Server) relayEvents(w http.ResponseWriter, r *http.Request) {
	familyID := r.Context().Value(familyIDKey).(string)

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already answered the request
		s.logger.Warn(r.Context(), "websocket upgrade failed", "family_id", familyID, "err", err)
		return
	}
	defer c.CloseNow()

	// clients never send; CloseRead answers pings and notices the close
	ctx := c.CloseRead(r.Context())
	signals := s.relay.Subscribe(ctx, familyID)

	heartbeat := time.NewTicker(s.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "")
			return
		case <-signals:
			if err := c.Write(ctx, websocket.MessageText, []byte(changedEvent)); err != nil {
				return
			}
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
