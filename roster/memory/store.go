// Package memory holds conversation membership in process memory. The
// roster decides who gets rung when a call starts in a conversation.
package memory

import (
	"errors"
	"sync"

	"github.com/Gogabok/signaling/model"
)

var (
	ErrConversationNotFound = errors.New("conversation is not found")
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]*model.Conversation
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Conversation),
	}
}

// CreateOrJoin adds userID to the conversation, creating it on first
// join. Member order is join order; joining twice is a no-op.
func (ms *MemStore) CreateOrJoin(conversationID string, userID string) (*model.Conversation, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conv, ok := ms.db[conversationID]
	if !ok {
		conv = &model.Conversation{
			ID:      conversationID,
			Members: []string{userID},
		}
		ms.db[conversationID] = conv
		return conv, nil
	}

	for _, m := range conv.Members {
		if m == userID {
			return conv, nil
		}
	}
	conv.Members = append(conv.Members, userID)
	return conv, nil
}

func (ms *MemStore) Get(conversationID string) (*model.Conversation, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conv, ok := ms.db[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Members implements the signaling roster lookup.
func (ms *MemStore) Members(conversationID string) ([]string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	conv, ok := ms.db[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := make([]string, len(conv.Members))
	copy(out, conv.Members)
	return out, nil
}
