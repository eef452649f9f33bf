package gossip

import "github.com/gholt/ringstore/ring"

// Transport is the messaging collaborator a Gossiper is built on:
// handler dispatch by message type, fire-and-forget SendOneWay, and
// WaitUntilListening before the gossip loop starts issuing rounds.
// Gossip messages may target any known endpoint, alive or not.
type Transport interface {
	// SendOneWay delivers payload to destination without waiting for a
	// reply. Delivery is best effort: the gossip protocol is designed to
	// tolerate drops.
	SendOneWay(destination ring.Endpoint, msgType MsgType, payload []byte)
	// SetMsgHandler registers the handler invoked for each inbound message
	// of the given type. Only one handler per type is retained.
	SetMsgHandler(msgType MsgType, handler func(source ring.Endpoint, payload []byte))
	// WaitUntilListening blocks until the transport is ready to receive,
	// so the first gossip round never races its own inbound handlers.
	WaitUntilListening() error
}
