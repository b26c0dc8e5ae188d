// Package call turns raw signaling frames into typed call events and
// user actions into outbound signaling messages.
package call

import (
	"encoding/json"
	"sync"

	"github.com/Gogabok/signaling/model"
	"github.com/rs/zerolog"
)

// Transport is the outbound side of a signaling channel, usually a
// reconnecting socket.
type Transport interface {
	Send(data []byte) error
}

type Handler func(env model.Envelope)

type Config struct {
	Transport Transport
	Logger    *zerolog.Logger
}

// Manager is a subscription registry over one transport. Any number of
// handlers may listen per event kind; Subscribe returns an unsubscribe
// func so behavior can be swapped at runtime (e.g. around a
// reconnect-then-resync sequence).
type Manager struct {
	logger zerolog.Logger
	tr     Transport

	mu         sync.Mutex
	subs       map[string]map[int]Handler
	nextSubID  int
	activeRoom string
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		logger: cfg.Logger.With().Str("component", "call-manager").Logger(),
		tr:     cfg.Transport,
		subs:   make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for one server method and returns its
// unsubscribe func.
func (m *Manager) Subscribe(method string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	if m.subs[method] == nil {
		m.subs[method] = make(map[int]Handler)
	}
	m.subs[method][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[method], id)
	}
}

func subscribe[T any](m *Manager, method string, fn func(T)) func() {
	return m.Subscribe(method, func(env model.Envelope) {
		var payload T
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			m.logger.Error().Err(err).Str("method", method).Msg("malformed event payload")
			return
		}
		fn(payload)
	})
}

func (m *Manager) OnIncomingCall(fn func(model.IncomingCall)) func() {
	return subscribe(m, model.MethodIncomingCall, fn)
}

func (m *Manager) OnLiveRoomsInfo(fn func(model.LiveRoomsInfo)) func() {
	return subscribe(m, model.MethodLiveRoomsInfo, fn)
}

func (m *Manager) OnCallStarted(fn func(model.CallStarted)) func() {
	return subscribe(m, model.MethodCallStarted, fn)
}

func (m *Manager) OnCallEnded(fn func(model.CallEnded)) func() {
	return subscribe(m, model.MethodCallEnded, fn)
}

func (m *Manager) OnLeaveCall(fn func(model.LeaveCall)) func() {
	return subscribe(m, model.MethodLeaveCall, fn)
}

func (m *Manager) OnIncomingCallTimeout(fn func(model.IncomingCallTimeout)) func() {
	return subscribe(m, model.MethodIncomingCallTimeout, fn)
}

func (m *Manager) OnRoomCreated(fn func(model.RoomCreated)) func() {
	return subscribe(m, model.MethodRoomCreated, fn)
}

func (m *Manager) OnButtonsBlockState(fn func(model.ButtonsBlockState)) func() {
	return subscribe(m, model.MethodButtonsBlockState, fn)
}

func (m *Manager) OnError(fn func(model.ErrorMessage)) func() {
	return subscribe(m, model.MethodError, fn)
}

func (m *Manager) OnUserAdded(fn func(model.UserAdded)) func() {
	return subscribe(m, model.MethodUserAdded, fn)
}

// HandleMessage is wired as the transport's message callback. Keepalive
// frames are dropped, everything else is decoded and dispatched.
func (m *Manager) HandleMessage(data []byte) {
	raw := string(data)
	if raw == model.PongMessage || raw == model.PingMessage {
		return
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Error().Err(err).Msg("failed to unmarshal inbound message")
		return
	}
	m.trackActiveRoom(env)
	m.dispatch(env)
}

// HandleDrop is wired as the transport's drop callback. It synthesizes a
// terminal CallEnded for the last known active room so the UI never
// hangs waiting for a server that is gone.
func (m *Manager) HandleDrop() {
	m.mu.Lock()
	roomID := m.activeRoom
	m.activeRoom = ""
	m.mu.Unlock()
	if roomID == "" {
		return
	}

	env, err := model.NewEnvelope(model.MethodCallEnded, model.CallEnded{
		RoomID: roomID,
		Reason: model.ReasonFailedToConnect,
	})
	if err != nil {
		return
	}
	m.logger.Warn().Str("roomID", roomID).Msg("transport dropped, ending call locally")
	m.dispatch(env)
}

func (m *Manager) trackActiveRoom(env model.Envelope) {
	var ref struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &ref); err != nil || ref.RoomID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch env.Method {
	case model.MethodIncomingCall, model.MethodRoomCreated, model.MethodCallStarted:
		m.activeRoom = ref.RoomID
	case model.MethodCallEnded:
		if m.activeRoom == ref.RoomID {
			m.activeRoom = ""
		}
	}
}

func (m *Manager) dispatch(env model.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[env.Method]))
	for _, h := range m.subs[env.Method] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug().Str("method", env.Method).Msg("event without subscribers")
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

// InitCall asks the server to start a call in the conversation.
func (m *Manager) InitCall(roomID, callType string) error {
	return m.send(model.MethodCall, model.CallRequest{RoomID: roomID, Type: callType})
}

// Invite rings additional users into the running call.
func (m *Manager) Invite(roomID string, ids ...string) error {
	return m.send(model.MethodInviteUser, model.InviteRequest{RoomID: roomID, IDs: ids})
}

func (m *Manager) Accept(roomID string) error {
	return m.send(model.MethodAcceptCall, model.RoomRequest{RoomID: roomID})
}

func (m *Manager) Decline(roomID string) error {
	return m.send(model.MethodDeclineCall, model.RoomRequest{RoomID: roomID})
}

func (m *Manager) Join(roomID string) error {
	return m.send(model.MethodJoinCall, model.RoomRequest{RoomID: roomID})
}

func (m *Manager) Leave(roomID string) error {
	return m.send(model.MethodLeaveCall, model.RoomRequest{RoomID: roomID})
}

func (m *Manager) send(method string, payload any) error {
	env, err := model.NewEnvelope(method, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return m.tr.Send(b)
}
