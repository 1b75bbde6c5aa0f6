package session

import (
	"bufio"
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/StoreStation/rleclassic/pkg/broadcast"
	"github.com/StoreStation/rleclassic/pkg/command"
	"github.com/StoreStation/rleclassic/pkg/config"
	"github.com/StoreStation/rleclassic/pkg/identity"
	"github.com/StoreStation/rleclassic/pkg/protocol"
	"github.com/StoreStation/rleclassic/pkg/world"
)

// Supervisor accepts TCP connections and spawns one Conn worker per peer.
// It owns the registry, fabric, and command dispatcher the workers share.
type Supervisor struct {
	cfg      config.Config
	registry *broadcast.Registry
	fabric   *broadcast.Fabric
	store    *world.Store
	dispatch *command.Dispatcher

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor wires a fresh registry, fabric, and command dispatcher
// around the given world store, identity store, and configuration.
func NewSupervisor(cfg config.Config, store *world.Store, users *identity.Store) *Supervisor {
	registry := broadcast.NewRegistry()
	fabric := broadcast.NewFabric(registry)

	dispatch := &command.Dispatcher{
		Users:    users,
		Registry: registry,
		IsAdmin:  cfg.IsAdmin,
		Reply: func(p *broadcast.Peer, line string) {
			pkt := marshal(func(w *bufio.Writer) error {
				return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: line})
			})
			fabric.Send(p, pkt)
		},
		BroadcastLine: func(line string) {
			pkt := marshal(func(w *bufio.Writer) error {
				return protocol.WriteMessage(w, protocol.Message{SenderID: protocol.SystemSender, Text: line})
			})
			fabric.Broadcast(pkt, nil)
		},
		Disconnect: func(p *broadcast.Peer, reason string) {
			disc := marshal(func(w *bufio.Writer) error {
				return protocol.WriteDisconnect(w, "Kicked for reason: "+reason)
			})
			p.Write(disc)
			p.Close()
		},
	}

	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		fabric:   fabric,
		store:    store,
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections on a
// background goroutine. It returns once the bind has succeeded or failed.
func (s *Supervisor) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.ListenAddr)
	}
	s.listener = ln
	log.Printf("[session] listening on %s", s.cfg.ListenAddr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("[session] accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one Conn to completion over nc, using this Supervisor's
// registry, fabric, world store, and command dispatcher. acceptLoop is the
// production caller; tests use it directly to drive the state machine over
// a net.Pipe without re-wiring the dependencies by hand.
func (s *Supervisor) ServeConn(ctx context.Context, nc net.Conn) {
	c := New(nc, s.registry, s.fabric, s.store, s.dispatch, s.cfg)
	c.Serve(ctx)
}

// RunAutoSave compacts the world store on cfg.AutoSaveInterval until ctx is
// canceled. Intended to run on its own goroutine alongside Start.
func (s *Supervisor) RunAutoSave(ctx context.Context) {
	interval := s.cfg.AutoSaveInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Compact(ctx); err != nil {
				log.Printf("[session] auto-save compaction failed: %v", err)
				continue
			}
			log.Printf("[session] auto-save compaction complete")
		}
	}
}

// Shutdown stops accepting new connections, runs one final compaction pass
// so pending edits are not lost, and closes the listener. In-flight peer
// workers may be abandoned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	if err := s.store.Compact(ctx); err != nil {
		return errors.Wrap(err, "final compaction")
	}
	return nil
}

// PeerCount reports the number of currently connected peers.
func (s *Supervisor) PeerCount() int {
	return s.registry.Len()
}
