package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gogabok/signaling/model"
	"github.com/rs/zerolog"
)

const (
	defaultIncomingCallTimeout = 30 * time.Second
	defaultDestroyTimeout      = 5 * time.Second
)

var (
	ErrMediaProvision     = errors.New("media provisioning failed")
	ErrParticipantOffline = errors.New("participant is offline")
)

// Room is a call session bound to one conversation id. Every transition
// runs under the room mutex, so the ring-timer callback and socket events
// for the same room never interleave.
type Room struct {
	mu sync.Mutex

	id           string
	callType     string
	state        StateSet
	participants []*Participant
	startTime    int64
	declines     int
	awaitTimer   *time.Timer
	closed       bool

	ringTimeout time.Duration
	conns       Sender
	media       MediaController
	onClosed    func(roomID string)
	logger      zerolog.Logger
}

type RoomConfig struct {
	ID          string
	Members     []string
	RingTimeout time.Duration
	Connections Sender
	Media       MediaController
	// OnClosed runs after destroy() has completed; the owner uses it to
	// remove the room from its registry exactly once.
	OnClosed func(roomID string)
	Logger   *zerolog.Logger
}

func NewRoom(cfg RoomConfig) *Room {
	r := &Room{
		id:          cfg.ID,
		state:       NewStateSet(StateInactive),
		ringTimeout: cfg.RingTimeout,
		conns:       cfg.Connections,
		media:       cfg.Media,
		onClosed:    cfg.OnClosed,
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("roomID", cfg.ID).
			Logger(),
	}
	if r.ringTimeout <= 0 {
		r.ringTimeout = defaultIncomingCallTimeout
	}
	if r.onClosed == nil {
		r.onClosed = func(string) {}
	}
	for _, id := range cfg.Members {
		if r.findLocked(id) == nil {
			r.participants = append(r.participants, newParticipant(id))
		}
	}
	return r
}

func (r *Room) ID() string { return r.id }

// InitCall provisions the media room and moves the session into the
// ringing phase. The caller becomes Active, everyone else Awaiting.
func (r *Room) InitCall(ctx context.Context, connID, callerID, callType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	r.state.Add(StateBeingCreated)
	defer r.state.Remove(StateBeingCreated)

	if err := r.media.CreateRoom(ctx, r.id); err != nil {
		r.logger.Error().Err(err).Msg("media room provisioning failed")
		r.conns.Send(connID, r.envelope(model.MethodError, model.ErrorMessage{
			RoomID:  r.id,
			Message: "failed to create call room",
		}))
		return errors.Join(ErrMediaProvision, err)
	}

	r.callType = callType
	r.declines = 0
	for _, p := range r.participants {
		if p.ID == callerID {
			p.ConnectionID = connID
			p.Status = model.StatusActive
			p.ActiveRoomID = r.id
		} else {
			p.Status = model.StatusAwaiting
		}
	}
	r.state.Add(StateReachingOut)

	incoming := r.envelope(model.MethodIncomingCall, model.IncomingCall{
		From:   r.id,
		Type:   callType,
		RoomID: r.id,
	})
	for _, p := range r.participants {
		if p.ID != callerID {
			p.Notify(r.conns, incoming)
		}
	}

	created := r.envelope(model.MethodRoomCreated, model.RoomCreated{
		RoomID:       r.id,
		Participants: r.rosterLocked(),
	})
	delivered := false
	if caller := r.findLocked(callerID); caller != nil {
		delivered = caller.Notify(r.conns, created)
	} else {
		delivered = r.conns.Send(connID, created)
	}
	if !delivered {
		r.logger.Warn().Str("callerID", callerID).Msg("caller unreachable after room creation")
		r.endCallLocked(ctx, model.ReasonFailedToConnect)
		return nil
	}

	r.armAwaitTimerLocked()
	r.logger.Debug().
		Str("callerID", callerID).
		Str("type", callType).
		Msg("call initiated, reaching out")
	return nil
}

// Ring re-sends the pending IncomingCall to one awaiting participant.
// Used when a client reconnects during the ringing phase.
func (r *Room) Ring(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.state.Has(StateReachingOut) {
		return
	}
	p := r.findLocked(userID)
	if p == nil || p.Status != model.StatusAwaiting {
		return
	}
	p.Notify(r.conns, r.envelope(model.MethodIncomingCall, model.IncomingCall{
		From:   r.id,
		Type:   r.callType,
		RoomID: r.id,
	}))
}

// Accept transitions userID to Active. The first accept starts the call;
// later accepts only re-sync the accepting participant.
func (r *Room) Accept(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	p := r.findLocked(userID)
	if p == nil {
		r.logger.Debug().Str("userID", userID).Msg("accept from unknown participant")
		return
	}
	p.Status = model.StatusActive
	p.ActiveRoomID = r.id

	if !r.state.Has(StateActive) {
		r.startCallLocked()
		return
	}
	p.Notify(r.conns, r.callStartedLocked())
}

// Decline marks userID Disconnected. When everyone but the caller has
// declined, the call ends with reason Declined.
func (r *Room) Decline(ctx context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	p := r.findLocked(userID)
	if p == nil {
		return
	}
	p.Status = model.StatusDisconnected
	p.ActiveRoomID = ""

	if r.activeCountLocked() == 1 {
		r.declines++
		if r.declines >= len(r.participants)-1 {
			r.endCallLocked(ctx, model.ReasonDeclined)
		}
		return
	}
	r.broadcastActiveLocked(r.envelope(model.MethodLeaveCall, model.LeaveCall{
		RoomID: r.id,
		ID:     userID,
	}), userID)
}

// Join admits a late joiner to an already running call. The joiner alone
// receives the current roster and start time; nothing is broadcast.
func (r *Room) Join(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	p := r.findLocked(userID)
	if p == nil {
		p = newParticipant(userID)
		r.participants = append(r.participants, p)
	}
	p.ConnectionID = connID
	p.Status = model.StatusActive
	p.ActiveRoomID = r.id
	p.Notify(r.conns, r.callStartedLocked())
}

// Leave marks userID Disconnected and tears the call down once at most
// one Active participant remains.
func (r *Room) Leave(ctx context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	p := r.findLocked(userID)
	if p == nil {
		return
	}
	p.Status = model.StatusDisconnected
	p.ActiveRoomID = ""

	if r.activeCountLocked() <= 1 {
		r.endCallLocked(ctx, model.ReasonEnded)
		return
	}
	r.broadcastActiveLocked(r.envelope(model.MethodLeaveCall, model.LeaveCall{
		RoomID: r.id,
		ID:     userID,
	}), userID)
}

// Invite provisions ids on the media side mid-call and rings them. An
// unreachable invitee is marked Disconnected and fails the invite.
func (r *Room) Invite(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	incoming := r.envelope(model.MethodIncomingCall, model.IncomingCall{
		From:   r.id,
		Type:   r.callType,
		RoomID: r.id,
	})
	for _, id := range ids {
		if r.findLocked(id) != nil {
			continue
		}
		if err := r.media.CreateMember(ctx, r.id, id); err != nil {
			r.logger.Error().Err(err).Str("userID", id).Msg("media member provisioning failed")
			return errors.Join(ErrMediaProvision, err)
		}
		p := newParticipant(id)
		p.Status = model.StatusAwaiting
		r.participants = append(r.participants, p)

		if !p.Notify(r.conns, incoming) {
			p.Status = model.StatusDisconnected
			return ErrParticipantOffline
		}
		r.broadcastActiveLocked(r.envelope(model.MethodUserAdded, model.UserAdded{
			RoomID: r.id,
			UserID: id,
			Status: model.StatusAwaiting,
		}), id)
	}
	return nil
}

// EndCall broadcasts the terminal state, tears down media and removes the
// room from its registry. It is idempotent.
func (r *Room) EndCall(ctx context.Context, reason model.EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endCallLocked(ctx, reason)
}

func (r *Room) endCallLocked(ctx context.Context, reason model.EndReason) {
	if r.closed {
		return
	}
	r.closed = true

	r.broadcastLocked(r.envelope(model.MethodCallEnded, model.CallEnded{
		RoomID: r.id,
		Reason: reason,
	}))
	r.declines = 0
	r.state.Remove(StateActive)
	r.state.Add(StateInactive)
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
		r.awaitTimer = nil
	}
	for _, p := range r.participants {
		if p.Status == model.StatusActive && p.ActiveRoomID == r.id {
			p.ActiveRoomID = ""
		}
	}
	r.destroyLocked(ctx)
	r.onClosed(r.id)
	r.logger.Debug().Str("reason", string(reason)).Msg("call ended")
}

// destroyLocked blocks client controls while media teardown is in flight.
// The transient flag and the unblock broadcast happen on every path.
func (r *Room) destroyLocked(ctx context.Context) {
	r.state.Add(StateBeingDropped)
	r.broadcastLocked(r.envelope(model.MethodButtonsBlockState, model.ButtonsBlockState{
		RoomID:     r.id,
		AreBlocked: true,
	}))
	defer func() {
		r.state.Remove(StateBeingDropped)
		r.broadcastLocked(r.envelope(model.MethodButtonsBlockState, model.ButtonsBlockState{
			RoomID:     r.id,
			AreBlocked: false,
		}))
	}()

	dCtx, cancel := context.WithTimeout(ctx, defaultDestroyTimeout)
	defer cancel()
	if err := r.media.DeleteRoom(dCtx, r.id); err != nil {
		r.logger.Error().Err(err).Msg("media room teardown failed")
	}
}

func (r *Room) startCallLocked() {
	r.state.Remove(StateInactive)
	r.state.Add(StateActive)
	r.startTime = time.Now().UnixMilli()
	r.declines = 0
	r.broadcastLocked(r.callStartedLocked())
	r.logger.Debug().Msg("call started")
}

func (r *Room) armAwaitTimerLocked() {
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
	}
	r.awaitTimer = time.AfterFunc(r.ringTimeout, r.awaitTimeout)
}

// awaitTimeout fires once the ringing phase expires. With at most the
// caller still active, the whole call ends; otherwise only the silent
// participants are dropped. The count can be zero when the caller is not
// on the roster or declined its own call, so that case must tear down
// too or the room would outlive the ring with no path to endCall.
func (r *Room) awaitTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.state.Remove(StateReachingOut)

	if r.activeCountLocked() <= 1 {
		r.endCallLocked(context.Background(), model.ReasonNoResponse)
		return
	}

	timedOut := r.envelope(model.MethodIncomingCallTimeout, model.IncomingCallTimeout{RoomID: r.id})
	for _, p := range r.participants {
		if p.Status != model.StatusAwaiting {
			continue
		}
		p.Status = model.StatusDisconnected
		r.broadcastActiveLocked(r.envelope(model.MethodLeaveCall, model.LeaveCall{
			RoomID: r.id,
			ID:     p.ID,
		}), p.ID)
		p.Notify(r.conns, timedOut)
	}
}

func (r *Room) callStartedLocked() model.Envelope {
	return r.envelope(model.MethodCallStarted, model.CallStarted{
		RoomID:       r.id,
		Participants: r.rosterLocked(),
		StartTime:    r.startTime,
	})
}

func (r *Room) broadcastLocked(env model.Envelope) {
	for _, p := range r.participants {
		p.Notify(r.conns, env)
	}
}

func (r *Room) broadcastActiveLocked(env model.Envelope, exceptID string) {
	for _, p := range r.participants {
		if p.ID != exceptID && p.Status == model.StatusActive {
			p.Notify(r.conns, env)
		}
	}
}

func (r *Room) rosterLocked() []model.ParticipantInfo {
	out := make([]model.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.Info())
	}
	return out
}

func (r *Room) findLocked(id string) *Participant {
	for _, p := range r.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *Room) activeCountLocked() int {
	n := 0
	for _, p := range r.participants {
		if p.Status == model.StatusActive {
			n++
		}
	}
	return n
}

func (r *Room) envelope(method string, payload any) model.Envelope {
	env, err := model.NewEnvelope(method, payload)
	if err != nil {
		r.logger.Error().Err(err).Str("method", method).Msg("failed to build envelope")
	}
	return env
}

// Snapshot is a consistent read of room state for dispatch decisions and
// the API surface.
type RoomSnapshot struct {
	ID           string
	Live         bool
	ReachingOut  bool
	BeingCreated bool
	StartTime    int64
	Participants []model.ParticipantInfo
}

func (r *Room) Snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomSnapshot{
		ID:           r.id,
		Live:         r.state.Has(StateActive),
		ReachingOut:  r.state.Has(StateReachingOut),
		BeingCreated: r.state.Has(StateBeingCreated),
		StartTime:    r.startTime,
		Participants: r.rosterLocked(),
	}
}
