// Package command dispatches chat lines beginning with "/" to the
// register/login/kick handlers.
package command

import (
	"strings"

	"github.com/StoreStation/rleclassic/pkg/broadcast"
	"github.com/StoreStation/rleclassic/pkg/identity"
)

// Dispatcher wires the command handlers to the identity store, the
// registry of live peers (to resolve /kick targets), and the admin list.
type Dispatcher struct {
	Users    *identity.Store
	Registry *broadcast.Registry
	IsAdmin  func(name string) bool

	// Reply sends a system chat line back to the issuing peer only.
	// BroadcastLine sends a system chat line to every connected peer.
	// Disconnect sends the 0x0e packet to target and closes its socket.
	// All three are supplied by pkg/session so this package stays free
	// of pkg/protocol.
	Reply         func(p *broadcast.Peer, line string)
	BroadcastLine func(line string)
	Disconnect    func(p *broadcast.Peer, reason string)
}

// IsCommand reports whether line is a slash command rather than ordinary
// chat.
func IsCommand(line string) bool {
	return strings.HasPrefix(line, "/")
}

// Dispatch handles a "/..." line from peer. It recognizes /register,
// /login, and /kick; anything else gets a "command not found" reply,
// matching the original's trailing else branch.
func (d *Dispatcher) Dispatch(peer *broadcast.Peer, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/register":
		d.register(peer, args)
	case "/login":
		d.login(peer, args)
	case "/kick":
		d.kick(peer, args)
	default:
		d.Reply(peer, "&cCommand not found!")
	}
}

func (d *Dispatcher) register(peer *broadcast.Peer, args []string) {
	if len(args) < 1 {
		d.Reply(peer, "&cUsage: /register <password>")
		return
	}
	name := peer.Username()
	if d.Users.Exists(name) {
		d.Reply(peer, "&cYou are already registered! Use /login.")
		return
	}
	if err := d.Users.Register(name, args[0]); err != nil {
		d.Reply(peer, "&cRegistration failed, try again.")
		return
	}
	peer.SetAuthenticated(true)
	d.Reply(peer, "&aRegistered and logged in successfully!")
}

func (d *Dispatcher) login(peer *broadcast.Peer, args []string) {
	if len(args) < 1 {
		d.Reply(peer, "&cUsage: /login <password>")
		return
	}
	name := peer.Username()
	if d.Users.Verify(name, args[0]) {
		peer.SetAuthenticated(true)
		d.Reply(peer, "&aLogged in! You can now move and speak.")
		return
	}
	d.Reply(peer, "&cInvalid password!")
}

func (d *Dispatcher) kick(peer *broadcast.Peer, args []string) {
	if !d.IsAdmin(peer.Username()) {
		d.Reply(peer, "&cYou do not have permission to use this command!")
		return
	}
	if len(args) < 1 {
		d.Reply(peer, "&cUsage: /kick <player> [reason]")
		return
	}
	targetName := args[0]
	reason := "Kicked by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	target, ok := d.Registry.FindByUsername(targetName)
	if !ok {
		d.Reply(peer, "&cPlayer '"+targetName+"' not found")
		return
	}

	d.BroadcastLine("&e" + target.Username() + " was kicked: " + reason)
	d.Disconnect(target, reason)
}
