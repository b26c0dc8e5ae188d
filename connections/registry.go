package connections

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Gogabok/signaling/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

// Registry maps a connection identifier to the live outbound side of its
// websocket wire. Registration is most-recent-wins: a reconnect replaces
// whatever wire was stored before. Delivery is fire-and-forget; there is
// no queueing and no retry.
type Registry struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "connections").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

// Register stores the wire for connID, replacing any previous one.
func (reg *Registry) Register(connID string, wire model.Wire) {
	reg.mx.Lock()
	reg.wires[connID] = wire
	reg.mx.Unlock()
	reg.logger.Debug().
		Str("connID", connID).
		Msg("connection registered")
}

// Unregister removes the mapping for connID, but only if it still points
// at wire. A stale pump shutting down after a reconnect must not evict
// the replacement connection.
func (reg *Registry) Unregister(connID string, wire model.Wire) {
	reg.mx.Lock()
	if cur, ok := reg.wires[connID]; ok && cur == wire {
		delete(reg.wires, connID)
	}
	reg.mx.Unlock()
	reg.logger.Debug().
		Str("connID", connID).
		Msg("connection unregistered")
}

// Send marshals env and pushes it to connID's wire. It returns false when
// no wire is registered for connID; the caller must treat that as "user
// offline". A registered but stuck wire is logged and dropped after a
// timeout, which still counts as an attempted send.
func (reg *Registry) Send(connID string, env model.Envelope) bool {
	reg.mx.RLock()
	wire, ok := reg.wires[connID]
	reg.mx.RUnlock()
	if !ok {
		reg.logger.Debug().
			Str("connID", connID).
			Str("method", env.Method).
			Msg("cannot send, connection not found")
		return false
	}

	b, err := json.Marshal(&env)
	if err != nil {
		reg.logger.Error().Err(err).
			Str("connID", connID).
			Str("method", env.Method).
			Msg("failed to marshal outgoing message")
		return false
	}

	tCh := time.NewTimer(defaultSendTimeout)
	defer tCh.Stop()
	select {
	case wire.TX <- b:
		reg.logger.Debug().
			Str("connID", connID).
			Str("method", env.Method).
			Msg("message forwarded")
	case <-tCh.C:
		reg.logger.Error().
			Str("connID", connID).
			Str("method", env.Method).
			Msg("dead endpoint")
	}
	return true
}
