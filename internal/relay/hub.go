package relay

import (
	"go.uber.org/zap"

	"github.com/luciancaetano/wsrelay/internal/frame"
	"github.com/luciancaetano/wsrelay/internal/registry"
)

// Hub relays messages between the clients of a registry.
type Hub struct {
	clients *registry.Registry[*Client]
	log     *zap.Logger
	raw     bool
}

// Result counts the outcome of one broadcast.
type Result struct {
	Delivered int
	Failed    int
}

// NewHub creates a hub over clients. When raw is true payloads are sent
// without a frame header.
func NewHub(clients *registry.Registry[*Client], log *zap.Logger, raw bool) *Hub {
	return &Hub{clients: clients, log: log, raw: raw}
}

// Broadcast queues payload for every registered client except originID.
// The frame is encoded once and shared. A client that cannot take it is
// unregistered and closed; the remaining clients still receive the message.
func (h *Hub) Broadcast(op frame.Opcode, payload []byte, originID uint64) Result {
	wire := payload
	if !h.raw {
		wire = frame.Encode(op, payload)
	}

	var res Result
	h.clients.ForEachExcept(originID, func(id uint64, c *Client) {
		if err := c.enqueue(wire); err != nil {
			res.Failed++
			h.log.Warn("dropping unreachable peer",
				zap.Uint64("client_id", id),
				zap.Uint64("origin_id", originID),
				zap.Error(err))
			h.clients.Unregister(id)
			c.abort()
			return
		}
		res.Delivered++
	})

	h.log.Debug("broadcast",
		zap.Uint64("origin_id", originID),
		zap.Stringer("opcode", op),
		zap.Int("bytes", len(payload)),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed))
	return res
}
