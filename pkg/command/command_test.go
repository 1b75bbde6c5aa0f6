package command

import (
	"path/filepath"
	"testing"

	"github.com/StoreStation/rleclassic/pkg/broadcast"
	"github.com/StoreStation/rleclassic/pkg/identity"
)

type noopConn struct{}

func (noopConn) Write(p []byte) (int, error) { return len(p), nil }
func (noopConn) Close() error                { return nil }

// recorder captures everything the dispatcher sends out so tests can
// assert on replies, broadcasts, and kicks without a live socket.
type recorder struct {
	replies    map[*broadcast.Peer][]string
	broadcasts []string
	kicked     []*broadcast.Peer
}

func newDispatcher(t *testing.T, admins map[string]bool) (*Dispatcher, *broadcast.Registry, *recorder) {
	t.Helper()
	store, err := identity.Open(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	reg := broadcast.NewRegistry()
	rec := &recorder{replies: make(map[*broadcast.Peer][]string)}

	d := &Dispatcher{
		Users:    store,
		Registry: reg,
		IsAdmin:  func(name string) bool { return admins[name] },
		Reply: func(p *broadcast.Peer, line string) {
			rec.replies[p] = append(rec.replies[p], line)
		},
		BroadcastLine: func(line string) {
			rec.broadcasts = append(rec.broadcasts, line)
		},
		Disconnect: func(p *broadcast.Peer, reason string) {
			rec.kicked = append(rec.kicked, p)
		},
	}
	return d, reg, rec
}

func TestRegisterThenLoginFlow(t *testing.T) {
	d, reg, rec := newDispatcher(t, nil)
	peer, _ := reg.Join(noopConn{})
	peer.SetUsername("Notch")

	d.Dispatch(peer, "/register hunter2")
	if !peer.Authenticated() {
		t.Fatal("successful register should authenticate the peer")
	}
	if len(rec.replies[peer]) == 0 {
		t.Fatal("expected a confirmation reply")
	}

	peer.SetAuthenticated(false)
	d.Dispatch(peer, "/login hunter2")
	if !peer.Authenticated() {
		t.Fatal("correct /login should authenticate the peer")
	}

	peer.SetAuthenticated(false)
	d.Dispatch(peer, "/login wrongpass")
	if peer.Authenticated() {
		t.Fatal("wrong password must not authenticate")
	}
}

func TestRegisterTwiceRejected(t *testing.T) {
	d, reg, rec := newDispatcher(t, nil)
	peer, _ := reg.Join(noopConn{})
	peer.SetUsername("Notch")

	d.Dispatch(peer, "/register hunter2")
	peer.SetAuthenticated(false)
	d.Dispatch(peer, "/register other")

	last := rec.replies[peer][len(rec.replies[peer])-1]
	if last != "&cYou are already registered! Use /login." {
		t.Fatalf("unexpected reply: %q", last)
	}
}

func TestKickRequiresAdmin(t *testing.T) {
	d, reg, rec := newDispatcher(t, nil)
	issuer, _ := reg.Join(noopConn{})
	issuer.SetUsername("Regular")
	target, _ := reg.Join(noopConn{})
	target.SetUsername("Victim")

	d.Dispatch(issuer, "/kick Victim")

	if len(rec.broadcasts) != 0 {
		t.Fatal("non-admin kick must not broadcast a kick notice")
	}
	if len(rec.replies[issuer]) == 0 || rec.replies[issuer][0] != "&cYou do not have permission to use this command!" {
		t.Fatalf("unexpected reply: %v", rec.replies[issuer])
	}
	if len(rec.kicked) != 0 {
		t.Fatal("non-admin kick must not disconnect anyone")
	}
}

func TestKickByAdminBroadcastsNotice(t *testing.T) {
	admins := map[string]bool{"Admin": true}
	d, reg, rec := newDispatcher(t, admins)
	issuer, _ := reg.Join(noopConn{})
	issuer.SetUsername("Admin")
	target, _ := reg.Join(noopConn{})
	target.SetUsername("Victim")

	d.Dispatch(issuer, "/kick Victim griefing")

	if len(rec.broadcasts) != 1 {
		t.Fatalf("expected one broadcast kick notice, got %v", rec.broadcasts)
	}
	if len(rec.kicked) != 1 || rec.kicked[0] != target {
		t.Fatal("the named target should have been disconnected")
	}
}

func TestKickUnknownTargetRepliesError(t *testing.T) {
	admins := map[string]bool{"Admin": true}
	d, reg, rec := newDispatcher(t, admins)
	issuer, _ := reg.Join(noopConn{})
	issuer.SetUsername("Admin")

	d.Dispatch(issuer, "/kick Ghost")

	if len(rec.broadcasts) != 0 {
		t.Fatal("unknown kick target should not broadcast anything")
	}
	if len(rec.replies[issuer]) == 0 {
		t.Fatal("expected a not-found reply")
	}
}

func TestUnknownCommand(t *testing.T) {
	d, reg, rec := newDispatcher(t, nil)
	peer, _ := reg.Join(noopConn{})
	peer.SetUsername("Notch")

	d.Dispatch(peer, "/teleport")
	if rec.replies[peer][0] != "&cCommand not found!" {
		t.Fatalf("unexpected reply: %v", rec.replies[peer])
	}
}
