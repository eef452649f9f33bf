package gossip

import "github.com/gholt/ringstore/ring"

// Subscriber is notified of endpoint lifecycle transitions discovered by
// the gossip stage. Implementations should return quickly;
// notify runs synchronously on whichever goroutine observed the
// transition.
type Subscriber interface {
	OnJoin(endpoint ring.Endpoint, state *EndpointState)
	OnAlive(endpoint ring.Endpoint, state *EndpointState)
	OnDead(endpoint ring.Endpoint, state *EndpointState)
	OnChange(endpoint ring.Endpoint, key string, value ApplicationState)
}

// BaseSubscriber gives embedders every Subscriber method as a no-op so
// they need only override the ones they care about.
type BaseSubscriber struct{}

func (BaseSubscriber) OnJoin(ring.Endpoint, *EndpointState) {}
func (BaseSubscriber) OnAlive(ring.Endpoint, *EndpointState) {}
func (BaseSubscriber) OnDead(ring.Endpoint, *EndpointState) {}
func (BaseSubscriber) OnChange(ring.Endpoint, string, ApplicationState) {}
