package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/protocol"
)

// adminWindow is the trailing window counted when attempts reset per minute.
const adminWindow = time.Minute

func (s *Server) onAdministration(from uint16, p *protocol.Administration) dispatch.Result {
	s.mu.Lock()
	c := s.table.external(from)
	admin := c != nil && c.admin
	s.mu.Unlock()

	if c == nil || !p.Op.Valid() {
		return dispatch.Error
	}
	if p.Op == protocol.Authorize {
		s.authorize(c, p.Text)
		return dispatch.Consumed
	}

	log := s.log.WithFields(logrus.Fields{
		"function":   "Server.onAdministration",
		"from":       from,
		"op":         p.Op.String(),
		"network_id": p.NetworkID,
	})
	if !admin {
		log.Warn("Discarding admin request from non-admin")
		return dispatch.Error
	}

	var err error
	switch p.Op {
	case protocol.Promote:
		err = s.Promote(p.NetworkID)
	case protocol.Demote:
		err = s.Demote(p.NetworkID)
	case protocol.Rename:
		err = s.Rename(p.NetworkID, p.Text)
	case protocol.Kick:
		err = s.Kick(p.NetworkID, p.Text)
	case protocol.Ban:
		err = s.Ban(p.NetworkID, p.Text)
	case protocol.Alert:
		s.Alert(p.Text, p.NetworkID)
	case protocol.Shutdown:
		s.Shutdown(p.Text)
	}
	if err != nil {
		log.WithError(err).Warn("Admin request refused")
		return dispatch.Error
	}
	log.Info("Admin request applied")
	return dispatch.Processed
}

// authorize handles an Authorize request from c.
func (s *Server) authorize(c *conn, password string) {
	s.mu.Lock()
	if c.admin {
		s.mu.Unlock()
		return
	}
	host := s.host
	granted := host.PromoteAll() || c.id == s.cfg.LocalHostID || password == host.AdminPassword

	var attempts int
	var exceeded bool
	if !granted {
		now := s.sess.Clock().Now()
		if host.ResetAdminAttemptsPerMinute {
			kept := c.adminAttempts[:0]
			for _, at := range c.adminAttempts {
				if now.Sub(at) < adminWindow {
					kept = append(kept, at)
				}
			}
			c.adminAttempts = kept
		}
		c.adminAttempts = append(c.adminAttempts, now)
		attempts = len(c.adminAttempts)
		exceeded = host.MaxAdminAttempts > 0 && attempts > host.MaxAdminAttempts
	}
	s.mu.Unlock()

	if granted {
		s.promote(c)
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"function":   "Server.authorize",
		"network_id": c.id,
		"attempts":   attempts,
	})
	if exceeded {
		log.Warn("Admin attempts exhausted")
		s.kick(c, false, ReasonInvalidAdminPassword)
		return
	}
	log.Info("Admin password rejected")
	_ = s.sess.Send(&protocol.Administration{Op: protocol.Authorize, Text: "Invalid admin password"}, true, c.id)
}

// visibleLocked returns the targets of an admin notice about subject: nil
// (every approved peer) or the admins plus subject.
func (s *Server) visibleLocked(subject *conn) []uint16 {
	if s.cfg.AdminVisibility == VisibleToEveryone {
		return nil
	}
	return s.table.ids(func(c *conn) bool { return c.admin || c == subject })
}

func (s *Server) promote(c *conn) bool {
	s.mu.Lock()
	if c.admin || s.table.external(c.id) != c {
		s.mu.Unlock()
		return false
	}
	c.admin = true
	c.adminAttempts = nil
	targets := s.visibleLocked(c)
	cb := s.onAdminChanged
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Server.promote",
		"network_id": c.id,
	}).Info("Connection promoted")

	_ = s.sess.Send(&protocol.Administration{Op: protocol.Promote, NetworkID: c.id}, true, targets...)
	if cb != nil {
		cb(c.id, true)
	}
	return true
}

func (s *Server) demote(c *conn) bool {
	s.mu.Lock()
	if !c.admin || s.table.external(c.id) != c {
		s.mu.Unlock()
		return false
	}
	c.admin = false
	targets := s.visibleLocked(c)
	cb := s.onAdminChanged
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Server.demote",
		"network_id": c.id,
	}).Info("Connection demoted")

	_ = s.sess.Send(&protocol.Administration{Op: protocol.Demote, NetworkID: c.id}, true, targets...)
	if cb != nil {
		cb(c.id, false)
	}
	return true
}

// kick notifies c and closes it after KickDelay. A ban also refuses its
// address from now on.
func (s *Server) kick(c *conn, ban bool, reason string) {
	s.mu.Lock()
	if c.kicked || s.table.external(c.id) != c {
		s.mu.Unlock()
		return
	}
	c.kicked = true
	c.kickAt = s.sess.Clock().Now().Add(s.cfg.KickDelay)
	op := protocol.Kick
	if ban {
		op = protocol.Ban
		s.bans[hostOf(c.address)] = reason
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function":   "Server.kick",
		"network_id": c.id,
		"op":         op.String(),
		"reason":     reason,
	}).Info("Removing connection")

	_ = s.sess.Send(&protocol.Administration{Op: op, NetworkID: c.id, Text: reason}, true, c.id)
}

func (s *Server) lookup(id uint16) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.table.external(id); c != nil {
		return c, nil
	}
	return nil, ErrUnknownConnection
}

func (s *Server) protected(id uint16) bool {
	return id != 0 && id == s.cfg.LocalHostID
}

// Promote grants admin status to id.
func (s *Server) Promote(id uint16) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.promote(c)
	return nil
}

// Demote revokes admin status from id.
func (s *Server) Demote(id uint16) error {
	if s.protected(id) {
		return ErrProtected
	}
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.demote(c)
	return nil
}

// Kick disconnects id after telling it reason.
func (s *Server) Kick(id uint16, reason string) error {
	if s.protected(id) {
		return ErrProtected
	}
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.kick(c, false, reason)
	return nil
}

// Ban kicks id and refuses its address until Unban.
func (s *Server) Ban(id uint16, reason string) error {
	if s.protected(id) {
		return ErrProtected
	}
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.kick(c, true, reason)
	return nil
}

// Unban lifts a ban on a host address.
func (s *Server) Unban(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bans[host]; !ok {
		return false
	}
	delete(s.bans, host)
	return true
}

// Banned returns the ban reason for a host address.
func (s *Server) Banned(host string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.bans[host]
	return reason, ok
}

// Rename clears the username of id and asks it to choose another.
func (s *Server) Rename(id uint16, reason string) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c.username = ""
	s.mu.Unlock()

	_ = s.sess.Send(&protocol.Administration{Op: protocol.Rename, NetworkID: id, Text: reason}, true, id)
	return nil
}

// Alert shows text to id, or to every approved peer when id is 0.
func (s *Server) Alert(text string, id uint16) {
	p := &protocol.Administration{Op: protocol.Alert, NetworkID: id, Text: text}
	if id == 0 {
		_ = s.sess.Send(p, true)
		return
	}
	_ = s.sess.Send(p, true, id)
}

// Shutdown tells every connection reason and closes the server after
// KickDelay.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.shutdownAt = s.sess.Clock().Now().Add(s.cfg.KickDelay)
	everyone := s.table.ids(nil)
	cb := s.onShutdown
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"function": "Server.Shutdown",
		"reason":   reason,
	}).Info("Server shutting down")

	if len(everyone) > 0 {
		_ = s.sess.Send(&protocol.Administration{Op: protocol.Shutdown, Text: reason}, true, everyone...)
	}
	if cb != nil {
		cb(reason)
	}
}
