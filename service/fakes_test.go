package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Gogabok/signaling/model"
)

// fakeSender records every envelope per connection id. Connections listed
// in offline report delivery failure.
type fakeSender struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    map[string][]model.Envelope
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		offline: make(map[string]bool),
		sent:    make(map[string][]model.Envelope),
	}
}

func (f *fakeSender) Send(connID string, env model.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[connID] {
		return false
	}
	f.sent[connID] = append(f.sent[connID], env)
	return true
}

func (f *fakeSender) setOffline(connID string) {
	f.mu.Lock()
	f.offline[connID] = true
	f.mu.Unlock()
}

func (f *fakeSender) byMethod(connID, method string) []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Envelope
	for _, env := range f.sent[connID] {
		if env.Method == method {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeSender) countByMethod(connID, method string) int {
	return len(f.byMethod(connID, method))
}

func decode[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("failed to decode %s payload: %v", env.Method, err)
	}
	return payload
}

// fakeConns extends fakeSender with the registration surface.
type fakeConns struct {
	*fakeSender
	mu         sync.Mutex
	registered map[string]model.Wire
}

func newFakeConns() *fakeConns {
	return &fakeConns{
		fakeSender: newFakeSender(),
		registered: make(map[string]model.Wire),
	}
}

func (f *fakeConns) Register(connID string, wire model.Wire) {
	f.mu.Lock()
	f.registered[connID] = wire
	f.mu.Unlock()
}

func (f *fakeConns) Unregister(connID string, _ model.Wire) {
	f.mu.Lock()
	delete(f.registered, connID)
	f.mu.Unlock()
}

// fakeMedia records control API calls and fails on demand.
type fakeMedia struct {
	mu              sync.Mutex
	createRoomErr   error
	createMemberErr error
	createdRooms    []string
	createdMembers  []string
	deletedRooms    []string
}

func (f *fakeMedia) CreateRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoomErr != nil {
		return f.createRoomErr
	}
	f.createdRooms = append(f.createdRooms, roomID)
	return nil
}

func (f *fakeMedia) CreateMember(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createMemberErr != nil {
		return f.createMemberErr
	}
	f.createdMembers = append(f.createdMembers, roomID+"/"+userID)
	return nil
}

func (f *fakeMedia) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRooms = append(f.deletedRooms, roomID)
	return nil
}

func (f *fakeMedia) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletedRooms))
	copy(out, f.deletedRooms)
	return out
}

// fakeRoster serves static conversation membership.
type fakeRoster struct {
	members map[string][]string
}

func (f *fakeRoster) Members(conversationID string) ([]string, error) {
	ms, ok := f.members[conversationID]
	if !ok {
		return nil, errConversationUnknown
	}
	return ms, nil
}

var errConversationUnknown = errors.New("conversation is not found")
