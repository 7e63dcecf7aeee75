package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

// Inbound websocket events.
const (
	wsJoin           = "join"
	wsUpdateLocation = "update-location"
	wsStatusChange   = "status-change"
	wsRiderLocation  = "update-location-user"
	wsRideStatus     = "ride-status-update"
	wsError          = "error"
)

type rideStatusMessage struct {
	RideID string `json:"ride_id"`
	Status string `json:"status"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWS upgrades an authenticated participant. The connection is bound to
// the participant on "join" and released when the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	connID := models.ConnID(newID())
	s.hub.Attach(connID, conn,
		func(msg []byte) { s.handleWSMessage(id, connID, msg) },
		func() {
			if pid, ok := s.presence.ClearConnection(connID); ok {
				s.logger.Info("participant disconnected", "participant_id", pid, "conn", connID)
			}
		},
	)
}

func (s *Server) handleWSMessage(id auth.Identity, conn models.ConnID, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.hub.Send(conn, wsError, map[string]string{"error": "malformed message"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Event {
	case wsJoin:
		s.presence.Enroll(id.ID, id.Role)
		if !s.presence.UpsertConnection(id.ID, conn) {
			s.hub.Send(conn, wsError, map[string]string{"error": "join refused"})
			return
		}
		s.logger.Info("participant joined", "participant_id", id.ID, "role", id.Role, "conn", conn)

	case wsUpdateLocation:
		if !s.joined(id, conn) || id.Role != models.RoleDriver {
			s.hub.Send(conn, wsError, map[string]string{"error": "join as a driver first"})
			return
		}
		var c models.Coord
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			s.hub.Send(conn, wsError, map[string]string{"error": "invalid location"})
			return
		}
		if err := s.recordLocation(ctx, id.ID, c); err != nil {
			s.logger.Warn("location update failed", "driver_id", id.ID, "error", err)
			s.hub.Send(conn, wsError, map[string]string{"error": "location rejected"})
		}

	case wsStatusChange:
		var in statusRequest
		if err := json.Unmarshal(msg.Data, &in); err != nil || !s.joined(id, conn) || !s.presence.SetAvailability(id.ID, in.Status) {
			s.hub.Send(conn, wsError, map[string]string{"error": "status change refused"})
		}

	case wsRiderLocation:
		// rider positions are kept for display only and never enter the proximity index
		var c models.Coord
		if !s.joined(id, conn) || id.Role != models.RoleRider {
			s.hub.Send(conn, wsError, map[string]string{"error": "join as a rider first"})
			return
		}
		if err := json.Unmarshal(msg.Data, &c); err != nil || !c.Valid() {
			s.hub.Send(conn, wsError, map[string]string{"error": "invalid location"})
			return
		}
		s.presence.SetLocation(id.ID, c)

	case wsRideStatus:
		var in rideStatusMessage
		if !s.joined(id, conn) || id.Role != models.RoleDriver {
			s.hub.Send(conn, wsError, map[string]string{"error": "join as a driver first"})
			return
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			s.hub.Send(conn, wsError, map[string]string{"error": "invalid status update"})
			return
		}
		if err := s.coord.RelayStatus(ctx, in.RideID, id.ID, in.Status); err != nil {
			s.hub.Send(conn, wsError, map[string]string{"error": err.Error()})
		}

	default:
		s.hub.Send(conn, wsError, map[string]string{"error": "unknown event " + msg.Event})
	}
}

func (s *Server) joined(id auth.Identity, conn models.ConnID) bool {
	owner, ok := s.presence.Owner(conn)
	return ok && owner == id.ID
}
