// Package netswitch implements a named, process-global, reference-counted
// virtual layer-2 switch used to cluster multiple VMs on one broadcast
// domain, plus a bridge that splices a VM's guest-facing frame transport to
// a switch port.
package netswitch

import (
	"fmt"
	"log"
	"sync"
)

// portChanCapacity bounds each port's inbound fan-out channel. A slow
// consumer drops frames on its own port rather than blocking the switch.
const portChanCapacity = 256

// MaxFrameSize is the maximum ethernet frame size (including header) the
// bridge will forward; larger frames are dropped with a warning.
const MaxFrameSize = 1518

// Switch is a named L2 broadcast domain. Switches are looked up by name and
// created lazily on first reference; the last port leaving a switch
// destroys it.
type Switch struct {
	name string

	mu         sync.Mutex
	ports      map[uint64]*Port
	nextPortID uint64
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Switch{}
)

// GetOrCreate returns the named switch, creating it if this is the first
// reference.
func GetOrCreate(name string) *Switch {
	registryMu.Lock()
	defer registryMu.Unlock()
	if sw, ok := registry[name]; ok {
		return sw
	}
	sw := &Switch{name: name, ports: make(map[uint64]*Port)}
	registry[name] = sw
	return sw
}

// Name returns the switch's identity key.
func (s *Switch) Name() string { return s.name }

// CreatePort allocates a new port on the switch. Each port owns a bounded
// inbound channel through which the switch delivers frames broadcast by
// other ports.
func (s *Switch) CreatePort() *Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPortID++
	p := &Port{
		ID:     s.nextPortID,
		sw:     s,
		recvCh: make(chan []byte, portChanCapacity),
	}
	s.ports[p.ID] = p
	return p
}

// Broadcast delivers frame to every port on the switch other than origin.
// Delivery is best-effort per destination port; a full channel drops the
// frame for that port only (never blocks other destinations).
func (s *Switch) Broadcast(frame []byte, originPortID uint64) {
	s.mu.Lock()
	dests := make([]*Port, 0, len(s.ports))
	for id, p := range s.ports {
		if id == originPortID {
			continue
		}
		dests = append(dests, p)
	}
	s.mu.Unlock()

	for _, p := range dests {
		select {
		case p.recvCh <- frame:
		default:
			log.Printf("netswitch %s: port %d receive buffer full, dropping frame", s.name, p.ID)
		}
	}
}

// closePort removes a port from the switch and destroys the switch if it
// was the last one.
func (s *Switch) closePort(id uint64) {
	s.mu.Lock()
	delete(s.ports, id)
	empty := len(s.ports) == 0
	s.mu.Unlock()

	if empty {
		registryMu.Lock()
		if cur, ok := registry[s.name]; ok && cur == s {
			s.mu.Lock()
			stillEmpty := len(s.ports) == 0
			s.mu.Unlock()
			if stillEmpty {
				delete(registry, s.name)
			}
		}
		registryMu.Unlock()
	}
}

// Port is one attachment point on a switch, connecting a VM's guest-facing
// frame transport to the broadcast domain.
type Port struct {
	ID     uint64
	sw     *Switch
	recvCh chan []byte
	once   sync.Once
}

// Send broadcasts frame to every other port on this port's switch.
func (p *Port) Send(frame []byte) {
	if len(frame) > MaxFrameSize {
		log.Printf("netswitch: dropping oversized frame (%d > %d) on port %d", len(frame), MaxFrameSize, p.ID)
		return
	}
	p.sw.Broadcast(frame, p.ID)
}

// Recv returns the channel on which frames broadcast by other ports arrive.
func (p *Port) Recv() <-chan []byte { return p.recvCh }

// Close detaches the port from its switch.
func (p *Port) Close() error {
	p.once.Do(func() {
		p.sw.closePort(p.ID)
	})
	return nil
}

func (p *Port) String() string {
	return fmt.Sprintf("port[%s:%d]", p.sw.name, p.ID)
}
