package server

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/limits"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
)

// Kick reasons sent by the server itself.
const (
	ReasonInvalidPassword      = "Invalid Password"
	ReasonInvalidAdminPassword = "Invalid Admin Password"
)

// listen installs the protocol handlers.
func (s *Server) listen() error {
	d := s.sess.Dispatcher()
	reg := s.sess.Registry()
	s.slots = make(map[uint16]int)

	add := func(hash uint16, slot int, err error) error {
		if err != nil {
			return err
		}
		s.slots[hash] = slot
		return nil
	}
	if err := add(dispatch.Listen(d, s.onPassword, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, s.onUsername, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, s.onPing, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, s.onAdministration, BuiltinPriority)); err != nil {
		return err
	}

	// Announcements only flow from the server.
	for _, p := range []packet.Packet{
		&protocol.Handshake{}, &protocol.HostInfo{}, &protocol.PingTable{},
		&protocol.AdminList{}, &protocol.PacketMap{},
	} {
		hash, ok := reg.HashOf(p)
		if !ok {
			return fmt.Errorf("%w: %s", packet.ErrUnregistered, packet.TypeName(p))
		}
		s.slots[hash] = d.AddListener(hash, rejectFromClient, BuiltinPriority)
	}

	s.gateAllow = make(map[uint16]bool)
	for _, p := range []packet.Packet{&protocol.Ping{}, &protocol.Password{}} {
		if hash, ok := reg.HashOf(p); ok {
			s.gateAllow[hash] = true
		}
	}
	return nil
}

func (s *Server) unlisten() {
	d := s.sess.Dispatcher()
	for hash, slot := range s.slots {
		d.RemoveListener(hash, slot)
	}
	s.slots = nil
}

func rejectFromClient(uint16, *packet.Reader) dispatch.Result {
	return dispatch.Error
}

// intercept enforces the password gate before any listener runs. Pending
// connections may only send pings, passwords and bundles of those.
func (s *Server) intercept(from, hash uint16, _ *packet.Reader) dispatch.Result {
	s.mu.Lock()
	c := s.table.external(from)
	var pending, kicked bool
	if c != nil {
		pending, kicked = c.pending, c.kicked
	}
	s.mu.Unlock()

	switch {
	case c == nil || kicked:
		return dispatch.Error
	case !pending:
		return dispatch.Skipped
	case hash == packet.HashBundle || s.gateAllow[hash]:
		return dispatch.Skipped
	}
	return dispatch.Error
}

func (s *Server) onPassword(from uint16, p *protocol.Password) dispatch.Result {
	s.mu.Lock()
	c := s.table.external(from)
	if c == nil || !c.pending {
		s.mu.Unlock()
		return dispatch.Consumed
	}
	host := s.host
	log := s.log.WithFields(logrus.Fields{
		"function":   "Server.onPassword",
		"network_id": c.id,
	})

	if p.Text == host.Password {
		c.pending = false
		c.passwordAttempts = 0
		s.mu.Unlock()

		log.Info("Password accepted")
		s.welcome(c)
		s.checkReady(c)
		return dispatch.Consumed
	}

	c.passwordAttempts++
	attempts := c.passwordAttempts
	s.mu.Unlock()

	log = log.WithField("attempts", attempts)
	if host.MaxPasswordAttempts > 0 && attempts >= host.MaxPasswordAttempts {
		log.Warn("Password attempts exhausted")
		s.kick(c, false, ReasonInvalidPassword)
		return dispatch.Consumed
	}

	text := "Invalid password"
	if host.MaxPasswordAttempts > 0 {
		text = fmt.Sprintf("Invalid password, %d attempts remaining", host.MaxPasswordAttempts-attempts)
	}
	log.Info("Password rejected")
	_ = s.sess.Send(&protocol.Password{Text: text}, true, c.id)
	return dispatch.Consumed
}

// welcome approves c and introduces the peers already present.
func (s *Server) welcome(c *conn) {
	items := []packet.Packet{&protocol.Password{NetworkID: c.id}}

	s.mu.Lock()
	for _, other := range s.table.conns {
		if other == c || !other.approved() {
			continue
		}
		items = append(items, &protocol.Handshake{Op: protocol.CreateOther, NetworkID: other.id})
		if other.username != "" {
			items = append(items, &protocol.Username{NetworkID: other.id, Name: other.username})
		}
	}
	s.mu.Unlock()

	s.sendBundled(c.id, items)
}

// sendBundled sends items to target in as few bundles as fit a datagram.
func (s *Server) sendBundled(target uint16, items []packet.Packet) {
	limit := s.sess.Parameters().MaxPacketSize
	if limit <= 0 {
		limit = limits.MaxPacketSize
	}
	const overhead = limits.HeaderSize + 4

	var batch []packet.Packet
	size := overhead
	for _, p := range items {
		n := 2 + limits.HeaderSize + p.Size()
		if len(batch) > 0 && (size+n > limit || len(batch) == limits.MaxBundleItems) {
			_ = s.sess.SendBundle(true, []uint16{target}, batch...)
			batch, size = nil, overhead
		}
		batch = append(batch, p)
		size += n
	}
	if len(batch) > 0 {
		_ = s.sess.SendBundle(true, []uint16{target}, batch...)
	}
}

func (s *Server) onUsername(from uint16, p *protocol.Username) dispatch.Result {
	name := strings.TrimSpace(p.Name)

	s.mu.Lock()
	c := s.table.external(from)
	if c == nil {
		s.mu.Unlock()
		return dispatch.Error
	}
	reason := s.validateNameLocked(c, name)
	if reason == "" {
		c.username = name
	}
	s.mu.Unlock()

	if reason != "" {
		s.log.WithFields(logrus.Fields{
			"function":   "Server.onUsername",
			"network_id": c.id,
			"username":   name,
			"reason":     reason,
		}).Info("Username rejected")
		_ = s.sess.Send(&protocol.Administration{Op: protocol.Rename, NetworkID: c.id, Text: reason}, true, c.id)
		return dispatch.Consumed
	}

	_ = s.sess.Send(&protocol.Username{NetworkID: c.id, Name: name}, true)
	s.checkReady(c)
	return dispatch.Processed
}

func (s *Server) validateNameLocked(c *conn, name string) string {
	if n := utf8.RuneCountInString(name); n < s.cfg.MinUsernameLength || n > s.cfg.MaxUsernameLength {
		return "Invalid username"
	}
	for _, other := range s.table.conns {
		if other == c || other.username == "" {
			continue
		}
		switch s.cfg.DuplicateUsernames {
		case DuplicatesNone:
			if strings.EqualFold(other.username, name) {
				return "Username already taken"
			}
		case DuplicatesCaseSensitive:
			if other.username == name {
				return "Username already taken"
			}
		}
	}
	return ""
}

// checkReady marks c ready once it is approved and named.
func (s *Server) checkReady(c *conn) {
	s.mu.Lock()
	if c.ready || c.pending || c.kicked || c.username == "" || s.table.external(c.id) != c {
		s.mu.Unlock()
		return
	}
	c.ready = true
	promote := s.host.PromoteAll() || c.id == s.cfg.LocalHostID
	cb := s.onReady
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Server.checkReady",
		"network_id": c.id,
		"username":   c.username,
	}).Info("Connection ready")

	if promote {
		s.promote(c)
	}
	s.sendAdminList(c)
	if cb != nil {
		cb(c.id)
	}
}

// sendAdminList publishes the admin set under the visibility policy. When
// only admins may see it, the newly ready connection c receives it too.
func (s *Server) sendAdminList(c *conn) {
	s.mu.Lock()
	admins := s.table.ids(func(other *conn) bool { return other.admin })
	targets := s.visibleLocked(c)
	s.mu.Unlock()

	_ = s.sess.Send(&protocol.AdminList{IDs: admins}, true, targets...)
}

func (s *Server) onPing(from uint16, p *protocol.Ping) dispatch.Result {
	s.mu.Lock()
	if c := s.table.external(from); c != nil {
		c.latency = p.Latency
	}
	s.mu.Unlock()

	_ = s.sess.Send(p, false, from)
	return dispatch.Processed
}
