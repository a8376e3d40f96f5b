package local

import (
	"sync"

	"github.com/shynome/dcloop/signaler"
)

// Hub resolves a peer id to the bus that peer drains.
type Hub struct {
	pool  map[int]*signaler.Bus
	poolL *sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		pool:  make(map[int]*signaler.Bus),
		poolL: &sync.RWMutex{},
	}
}

func (hub *Hub) Register(id int, bus *signaler.Bus) {
	if bus == nil {
		return
	}
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	hub.pool[id] = bus
}

func (hub *Hub) Unregister(id int) {
	hub.poolL.Lock()
	defer hub.poolL.Unlock()
	delete(hub.pool, id)
}

func (hub *Hub) Find(id int) *signaler.Bus {
	hub.poolL.RLock()
	defer hub.poolL.RUnlock()
	return hub.pool[id]
}

// Outbox returns an outbox publishing to the bus of id, or a detached one
// when id was never registered.
func (hub *Hub) Outbox(id int) signaler.Outbox {
	return signaler.ToBus(hub.Find(id))
}
