package model

import "encoding/json"

// Call types carried in Call requests and IncomingCall notifications.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Client -> server methods.
const (
	MethodCall        = "Call"
	MethodAcceptCall  = "AcceptCall"
	MethodDeclineCall = "DeclineCall"
	MethodJoinCall    = "JoinCall"
	MethodInviteUser  = "InviteUser"
)

// Server -> client methods. MethodLeaveCall flows both ways.
const (
	MethodLeaveCall           = "LeaveCall"
	MethodIncomingCall        = "IncomingCall"
	MethodLiveRoomsInfo       = "LiveRoomsInfo"
	MethodCallStarted         = "CallStarted"
	MethodCallEnded           = "CallEnded"
	MethodIncomingCallTimeout = "IncomingCallTimeout"
	MethodRoomCreated         = "RoomCreated"
	MethodButtonsBlockState   = "ButtonsBlockState"
	MethodError               = "Error"
	MethodUserAdded           = "UserAdded"
)

// Keepalive messages are bare text frames, not envelopes.
const (
	PingMessage = "ping"
	PongMessage = "pong"
)

// ParticipantStatus is a user's presence state within one room.
type ParticipantStatus string

const (
	StatusDisconnected ParticipantStatus = "disconnected"
	StatusAwaiting     ParticipantStatus = "awaiting"
	StatusLoading      ParticipantStatus = "loading"
	StatusActive       ParticipantStatus = "active"
)

// EndReason explains why a CallEnded was emitted.
type EndReason string

const (
	ReasonBusy            EndReason = "busy"
	ReasonEnded           EndReason = "ended"
	ReasonDeclined        EndReason = "declined"
	ReasonFailedToConnect EndReason = "failed_to_connect"
	ReasonNoResponse      EndReason = "no_response"
)

// Envelope is the bidirectional wire format.
type Envelope struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for the given method.
func NewEnvelope(method string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Method: method, Data: b}, nil
}

type CallRequest struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type InviteRequest struct {
	RoomID string   `json:"roomId"`
	IDs    []string `json:"ids"`
}

type ParticipantInfo struct {
	ID     string            `json:"id"`
	Status ParticipantStatus `json:"status"`
}

type IncomingCall struct {
	From   string `json:"from"`
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type LiveRoomsInfo struct {
	IDs []string `json:"ids"`
}

type CallStarted struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
	StartTime    int64             `json:"startTime"`
}

type CallEnded struct {
	RoomID string    `json:"roomId"`
	Reason EndReason `json:"reason"`
}

type LeaveCall struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id,omitempty"`
}

type IncomingCallTimeout struct {
	RoomID string `json:"roomId"`
}

type RoomCreated struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
}

type ButtonsBlockState struct {
	RoomID     string `json:"roomId"`
	AreBlocked bool   `json:"areBlocked"`
}

type ErrorMessage struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
}

type UserAdded struct {
	RoomID string            `json:"roomId"`
	UserID string            `json:"userId"`
	Status ParticipantStatus `json:"status"`
}

// Conversation is a chat whose members are eligible to be rung.
type Conversation struct {
	ID      string   `json:"conversation_id"`
	Members []string `json:"members"`
}

// RoomInfo is a read-only view of a live call room for the API.
type RoomInfo struct {
	ID           string            `json:"room_id"`
	Live         bool              `json:"live"`
	Participants []ParticipantInfo `json:"participants"`
}

// Wire is a pair of channels connecting one websocket session to the
// signaling core. RX carries decoded inbound envelopes, TX carries
// pre-marshaled outbound frames.
type Wire struct {
	RX chan Envelope
	TX chan []byte
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan []byte),
	}
}
