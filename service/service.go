// Package service owns the call-session signaling core: rooms, their
// participants and the dispatch of inbound client events.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gogabok/signaling/model"
	"github.com/rs/zerolog"
)

type (
	// Sender delivers one envelope to a connection, best-effort. False
	// means no channel is registered for that id.
	Sender interface {
		Send(connID string, env model.Envelope) bool
	}

	// Connections is the full connection-registry surface the signaling
	// server needs.
	Connections interface {
		Sender
		Register(connID string, wire model.Wire)
		Unregister(connID string, wire model.Wire)
	}

	// MediaController provisions and tears down call rooms on the
	// external media server.
	MediaController interface {
		CreateRoom(ctx context.Context, roomID string) error
		CreateMember(ctx context.Context, roomID, userID string) error
		DeleteRoom(ctx context.Context, roomID string) error
	}

	// Roster resolves a conversation id to the users who should be rung.
	Roster interface {
		Members(conversationID string) ([]string, error)
	}

	// SignalingServer aggregates the connection registry, the room
	// registry and the user-rooms index. One instance per process; tests
	// construct isolated ones.
	SignalingServer struct {
		logger zerolog.Logger
		conns  Connections
		media  MediaController
		roster Roster

		ringTimeout time.Duration

		mx        sync.Mutex
		rooms     map[string]*Room
		userRooms map[string]map[string]struct{}
	}

	Config struct {
		Logger      *zerolog.Logger
		Connections Connections
		Media       MediaController
		Roster      Roster
		RingTimeout time.Duration
	}
)

func NewSignalingServer(cfg Config) *SignalingServer {
	return &SignalingServer{
		logger:      cfg.Logger.With().Str("component", "signaling").Logger(),
		conns:       cfg.Connections,
		media:       cfg.Media,
		roster:      cfg.Roster,
		ringTimeout: cfg.RingTimeout,
		rooms:       make(map[string]*Room),
		userRooms:   make(map[string]map[string]struct{}),
	}
}

// Connect registers the wire, replays state the client may have missed
// (live rooms, pending rings) and starts consuming inbound envelopes.
func (s *SignalingServer) Connect(ctx context.Context, connID string, wire model.Wire) {
	s.conns.Register(connID, wire)

	var (
		live    []string
		pending []*Room
	)
	for _, room := range s.roomsOf(connID) {
		snap := room.Snapshot()
		if snap.Live {
			live = append(live, snap.ID)
		}
		if snap.ReachingOut && statusOf(snap.Participants, connID) == model.StatusAwaiting {
			pending = append(pending, room)
		}
	}
	if live == nil {
		live = []string{}
	}
	if env, err := model.NewEnvelope(model.MethodLiveRoomsInfo, model.LiveRoomsInfo{IDs: live}); err == nil {
		s.conns.Send(connID, env)
	}
	for _, room := range pending {
		room.Ring(connID)
	}

	go s.consume(ctx, connID, wire)

	s.logger.Debug().
		Str("connID", connID).
		Int("liveRooms", len(live)).
		Msg("signaling session connected")
}

// Disconnect drops the wire and runs leave semantics in every room the
// connection participated in.
func (s *SignalingServer) Disconnect(ctx context.Context, connID string, wire model.Wire) {
	s.conns.Unregister(connID, wire)
	for _, room := range s.roomsOf(connID) {
		room.Leave(ctx, connID)
	}
	s.logger.Debug().
		Str("connID", connID).
		Msg("signaling session disconnected")
}

func (s *SignalingServer) consume(ctx context.Context, connID string, wire model.Wire) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-wire.RX:
			if !ok {
				return
			}
			s.HandleMessage(ctx, connID, env)
		}
	}
}

// HandleMessage routes one inbound client event to the matching room
// operation. Unknown methods are logged and dropped.
func (s *SignalingServer) HandleMessage(ctx context.Context, connID string, env model.Envelope) {
	logger := s.logger.With().
		Str("connID", connID).
		Str("method", env.Method).
		Logger()

	switch env.Method {
	case model.MethodCall:
		var req model.CallRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			logger.Error().Err(err).Msg("malformed request")
			return
		}
		s.handleCall(ctx, connID, req)
	case model.MethodAcceptCall:
		if req, ok := roomRequest(&logger, env.Data); ok {
			if room := s.room(req.RoomID); room != nil {
				room.Accept(connID)
			}
		}
	case model.MethodDeclineCall:
		if req, ok := roomRequest(&logger, env.Data); ok {
			if room := s.room(req.RoomID); room != nil {
				room.Decline(ctx, connID)
			}
		}
	case model.MethodLeaveCall:
		if req, ok := roomRequest(&logger, env.Data); ok {
			if room := s.room(req.RoomID); room != nil {
				room.Leave(ctx, connID)
			}
		}
	case model.MethodJoinCall:
		if req, ok := roomRequest(&logger, env.Data); ok {
			s.handleJoin(connID, req.RoomID)
		}
	case model.MethodInviteUser:
		var req model.InviteRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			logger.Error().Err(err).Msg("malformed request")
			return
		}
		s.handleInvite(ctx, connID, req)
	default:
		logger.Debug().Msg("unknown method")
	}
}

// handleCall applies the start-call race policy: a room already being
// created wins over a second caller, a live room turns the request into a
// late join, the announce phase answers Busy.
func (s *SignalingServer) handleCall(ctx context.Context, connID string, req model.CallRequest) {
	if room := s.room(req.RoomID); room != nil {
		snap := room.Snapshot()
		switch {
		case snap.Live && !snap.ReachingOut:
			room.Join(connID, connID)
			s.index(connID, req.RoomID)
		case snap.Live && snap.ReachingOut:
			s.sendCallEnded(connID, req.RoomID, model.ReasonBusy)
		default:
			// Creation or ringing in flight, first caller wins.
		}
		return
	}

	members, err := s.roster.Members(req.RoomID)
	if err != nil {
		s.logger.Debug().Err(err).
			Str("roomID", req.RoomID).
			Msg("call for unknown conversation")
		s.sendCallEnded(connID, req.RoomID, model.ReasonFailedToConnect)
		return
	}

	room := NewRoom(RoomConfig{
		ID:          req.RoomID,
		Members:     members,
		RingTimeout: s.ringTimeout,
		Connections: s.conns,
		Media:       s.media,
		OnClosed:    s.removeRoom,
		Logger:      &s.logger,
	})

	s.mx.Lock()
	if _, exists := s.rooms[req.RoomID]; exists {
		s.mx.Unlock()
		return
	}
	s.rooms[req.RoomID] = room
	for _, id := range members {
		s.indexLocked(id, req.RoomID)
	}
	s.indexLocked(connID, req.RoomID)
	s.mx.Unlock()

	callType := req.Type
	if callType == "" {
		callType = model.CallTypeAudio
	}
	if err := room.InitCall(ctx, connID, connID, callType); err != nil {
		room.EndCall(ctx, model.ReasonFailedToConnect)
	}
}

func (s *SignalingServer) handleJoin(connID, roomID string) {
	room := s.room(roomID)
	if room == nil {
		s.sendCallEnded(connID, roomID, model.ReasonFailedToConnect)
		return
	}
	room.Join(connID, connID)
	s.index(connID, roomID)
}

func (s *SignalingServer) handleInvite(ctx context.Context, connID string, req model.InviteRequest) {
	room := s.room(req.RoomID)
	if room == nil {
		s.sendCallEnded(connID, req.RoomID, model.ReasonFailedToConnect)
		return
	}
	if err := room.Invite(ctx, req.IDs); err != nil {
		if env, errE := model.NewEnvelope(model.MethodError, model.ErrorMessage{
			RoomID:  req.RoomID,
			Message: "failed to invite user",
		}); errE == nil {
			s.conns.Send(connID, env)
		}
		return
	}
	for _, id := range req.IDs {
		s.index(id, req.RoomID)
	}
}

// LiveRooms lists the current call rooms for the API surface.
func (s *SignalingServer) LiveRooms() []model.RoomInfo {
	s.mx.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mx.Unlock()

	out := make([]model.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		snap := room.Snapshot()
		out = append(out, model.RoomInfo{
			ID:           snap.ID,
			Live:         snap.Live,
			Participants: snap.Participants,
		})
	}
	return out
}

func (s *SignalingServer) room(roomID string) *Room {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.rooms[roomID]
}

// roomsOf returns the rooms the connection is indexed into.
func (s *SignalingServer) roomsOf(connID string) []*Room {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]*Room, 0, len(s.userRooms[connID]))
	for roomID := range s.userRooms[connID] {
		if room, ok := s.rooms[roomID]; ok {
			out = append(out, room)
		}
	}
	return out
}

func (s *SignalingServer) index(connID, roomID string) {
	s.mx.Lock()
	s.indexLocked(connID, roomID)
	s.mx.Unlock()
}

func (s *SignalingServer) indexLocked(connID, roomID string) {
	set, ok := s.userRooms[connID]
	if !ok {
		set = make(map[string]struct{})
		s.userRooms[connID] = set
	}
	set[roomID] = struct{}{}
}

// removeRoom drops the room from the registry and the user-rooms index.
// Rooms call it exactly once, after destroy() has completed.
func (s *SignalingServer) removeRoom(roomID string) {
	s.mx.Lock()
	delete(s.rooms, roomID)
	for connID, set := range s.userRooms {
		delete(set, roomID)
		if len(set) == 0 {
			delete(s.userRooms, connID)
		}
	}
	s.mx.Unlock()
	s.logger.Debug().Str("roomID", roomID).Msg("room removed")
}

func (s *SignalingServer) sendCallEnded(connID, roomID string, reason model.EndReason) {
	env, err := model.NewEnvelope(model.MethodCallEnded, model.CallEnded{
		RoomID: roomID,
		Reason: reason,
	})
	if err != nil {
		return
	}
	s.conns.Send(connID, env)
}

func roomRequest(logger *zerolog.Logger, data json.RawMessage) (model.RoomRequest, bool) {
	var req model.RoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Error().Err(err).Msg("malformed request")
		return req, false
	}
	return req, true
}

func statusOf(infos []model.ParticipantInfo, id string) model.ParticipantStatus {
	for _, info := range infos {
		if info.ID == id {
			return info.Status
		}
	}
	return model.StatusDisconnected
}
