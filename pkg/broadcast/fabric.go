package broadcast

// Fabric delivers packets to some or all peers of a Registry, isolating one
// peer's write failure from the delivery to every other peer: the registry
// is snapshotted under a read lock, every write happens outside any lock,
// and only afterward is the write lock re-acquired, once per failed peer,
// to evict it.
type Fabric struct {
	reg *Registry
}

// NewFabric wires a Fabric to reg.
func NewFabric(reg *Registry) *Fabric {
	return &Fabric{reg: reg}
}

// Broadcast writes pkt to every registered peer except exclude (which may
// be nil to address everyone). Peers whose write fails are evicted from the
// registry and closed; delivery to every other peer proceeds regardless.
func (f *Fabric) Broadcast(pkt []byte, exclude *Peer) {
	peers := f.reg.Snapshot()
	var dead []*Peer
	for _, p := range peers {
		if p == exclude {
			continue
		}
		if err := p.Write(pkt); err != nil {
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		f.evict(p)
	}
}

// Send writes pkt to a single peer, evicting it on failure. The returned
// error lets the caller's own read loop notice the same failure without
// waiting on a future read.
func (f *Fabric) Send(p *Peer, pkt []byte) error {
	if err := p.Write(pkt); err != nil {
		f.evict(p)
		return err
	}
	return nil
}

func (f *Fabric) evict(p *Peer) {
	f.reg.Leave(p)
	p.Close()
}
