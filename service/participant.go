package service

import "github.com/Gogabok/signaling/model"

// Participant is one user's presence record within one room. All state
// transitions are driven by the owning Room, never internally.
type Participant struct {
	ID           string
	ConnectionID string
	Status       model.ParticipantStatus
	ActiveRoomID string
}

func newParticipant(id string) *Participant {
	return &Participant{
		ID:           id,
		ConnectionID: id,
		Status:       model.StatusDisconnected,
	}
}

// Info returns the only fields that are ever sent to clients.
func (p *Participant) Info() model.ParticipantInfo {
	return model.ParticipantInfo{ID: p.ID, Status: p.Status}
}

// Notify forwards env to the participant's live channel. The result is
// discarded by broadcast paths and checked by delivery-sensitive ones
// (room creation, invites).
func (p *Participant) Notify(s Sender, env model.Envelope) bool {
	return s.Send(p.ConnectionID, env)
}
