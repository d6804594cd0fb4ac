package client

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/gamenet/dispatch"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
)

// listen installs the session bookkeeping listeners.
func (c *Client) listen() error {
	d := c.sess.Dispatcher()
	c.slots = make(map[uint16]int)

	add := func(hash uint16, slot int, err error) error {
		if err != nil {
			return err
		}
		c.slots[hash] = slot
		return nil
	}

	if err := add(dispatch.Listen(d, c.onHandshake, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onPassword, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onUsername, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onHostInfo, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onPing, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onPingTable, BuiltinPriority)); err != nil {
		return err
	}
	if err := add(dispatch.Listen(d, c.onAdministration, BuiltinPriority)); err != nil {
		return err
	}
	return add(dispatch.Listen(d, c.onAdminList, BuiltinPriority))
}

func (c *Client) unlisten() {
	d := c.sess.Dispatcher()
	for hash, slot := range c.slots {
		d.RemoveListener(hash, slot)
	}
	c.slots = nil
}

func (c *Client) onHandshake(_ uint16, p *protocol.Handshake) dispatch.Result {
	c.mu.Lock()
	switch p.Op {
	case protocol.AssignSelf:
		c.selfID = p.NetworkID
	case protocol.CreateOther:
		if _, ok := c.peers[p.NetworkID]; !ok {
			c.peers[p.NetworkID] = ""
		}
	case protocol.DestroyOther:
		delete(c.peers, p.NetworkID)
		delete(c.admins, p.NetworkID)
		delete(c.pings, p.NetworkID)
	default:
		c.mu.Unlock()
		return dispatch.Error
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":   "Client.onHandshake",
		"op":         p.Op.String(),
		"network_id": p.NetworkID,
	}).Debug("Handshake received")
	return dispatch.Processed
}

func (c *Client) onPassword(_ uint16, p *protocol.Password) dispatch.Result {
	c.mu.Lock()
	var cb func()
	var rejected func(string)
	if p.Approved() {
		c.approved = true
		c.rejection = ""
		cb = c.onApproved
	} else {
		c.rejection = p.Text
		rejected = c.onRejected
	}
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
	if rejected != nil {
		rejected(p.Text)
	}
	return dispatch.Processed
}

func (c *Client) onUsername(_ uint16, p *protocol.Username) dispatch.Result {
	if p.NetworkID == 0 {
		return dispatch.Error
	}
	c.mu.Lock()
	c.peers[p.NetworkID] = p.Name
	c.mu.Unlock()
	return dispatch.Processed
}

func (c *Client) onHostInfo(_ uint16, p *protocol.HostInfo) dispatch.Result {
	info := *p
	info.Tags = append([]string(nil), p.Tags...)
	c.mu.Lock()
	c.hostInfo = &info
	c.mu.Unlock()
	return dispatch.Processed
}

// onPing records the round trip of an echoed probe.
func (c *Client) onPing(_ uint16, p *protocol.Ping) dispatch.Result {
	rtt := c.sess.Clock().Now().UnixMilli() - p.Timestamp
	if rtt < 0 {
		return dispatch.Processed
	}
	if rtt > math.MaxUint16 {
		rtt = math.MaxUint16
	}
	c.mu.Lock()
	c.latency = uint16(rtt)
	c.mu.Unlock()
	return dispatch.Processed
}

func (c *Client) onPingTable(_ uint16, p *protocol.PingTable) dispatch.Result {
	pings := make(map[uint16]uint16, len(p.Entries))
	for _, e := range p.Entries {
		pings[e.NetworkID] = e.Latency
	}
	c.mu.Lock()
	c.pings = pings
	c.mu.Unlock()
	return dispatch.Processed
}

func (c *Client) onAdministration(_ uint16, p *protocol.Administration) dispatch.Result {
	if !p.Op.Valid() {
		return dispatch.Error
	}

	c.mu.Lock()
	switch p.Op {
	case protocol.Promote:
		c.admins[p.NetworkID] = true
	case protocol.Demote:
		delete(c.admins, p.NetworkID)
	case protocol.Kick, protocol.Ban:
		if p.NetworkID == 0 || p.NetworkID == c.selfID {
			c.kickReason = p.Text
		}
	}
	cb := c.onAdminNotice
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":   "Client.onAdministration",
		"op":         p.Op.String(),
		"network_id": p.NetworkID,
	}).Debug("Admin notice received")

	if cb != nil {
		cb(p)
	}
	return dispatch.Processed
}

func (c *Client) onAdminList(_ uint16, p *protocol.AdminList) dispatch.Result {
	admins := make(map[uint16]bool, len(p.IDs))
	for _, id := range p.IDs {
		admins[id] = true
	}
	c.mu.Lock()
	c.admins = admins
	c.mu.Unlock()
	return dispatch.Processed
}

// SelfID returns the external id assigned by the server, or 0.
func (c *Client) SelfID() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Approved reports whether the server accepted this client's password, or
// needed none.
func (c *Client) Approved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.approved
}

// Rejection returns the last password rejection message.
func (c *Client) Rejection() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rejection
}

// KickReason returns the reason given when this client was kicked or banned.
func (c *Client) KickReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kickReason
}

// IsAdmin reports whether id holds admin status.
func (c *Client) IsAdmin(id uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admins[id]
}

// Admins returns the known admin ids in ascending order.
func (c *Client) Admins() []uint16 {
	c.mu.RLock()
	ids := make([]uint16, 0, len(c.admins))
	for id := range c.admins {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Peers returns the ids of other connected peers in ascending order.
func (c *Client) Peers() []uint16 {
	c.mu.RLock()
	ids := make([]uint16, 0, len(c.peers))
	for id := range c.peers {
		if id != c.selfID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Username returns the announced username of id.
func (c *Client) Username(id uint16) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.peers[id]
	return name, ok && name != ""
}

// HostInfo returns the last host advertisement, or nil.
func (c *Client) HostInfo() *protocol.HostInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostInfo
}

// Latency returns the last measured round trip in milliseconds.
func (c *Client) Latency() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

// PeerLatency returns the latency of id from the server's ping table.
func (c *Client) PeerLatency(id uint16) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.pings[id]
	return l, ok
}

// HashMap returns the packet map installed by the server, or nil.
func (c *Client) HashMap() *packet.HashMap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hashMap
}
