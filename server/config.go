package server

import (
	"time"

	"github.com/opd-ai/gamenet/nat"
	"github.com/opd-ai/gamenet/protocol"
	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

// HostInfo describes the server. The passwords never leave the process.
type HostInfo struct {
	Name string
	// Password gates new connections; empty makes the server public.
	Password string
	// MaxPasswordAttempts kicks a connection after that many wrong
	// passwords; 0 allows unlimited attempts.
	MaxPasswordAttempts int
	Tags                []string
	// MaxPlayers caps live connections; 0 is unlimited.
	MaxPlayers  uint16
	Description string
	// AdminPassword is required by Authorize; empty promotes every ready
	// connection.
	AdminPassword string
	// MaxAdminAttempts kicks a connection that exceeds that many wrong admin
	// passwords; 0 allows unlimited attempts.
	MaxAdminAttempts int
	// ResetAdminAttemptsPerMinute only counts attempts from the trailing
	// minute.
	ResetAdminAttemptsPerMinute bool
}

// IsPrivate reports whether connections must present a password.
func (h HostInfo) IsPrivate() bool {
	return h.Password != ""
}

// PromoteAll reports whether every ready connection becomes an admin.
func (h HostInfo) PromoteAll() bool {
	return h.AdminPassword == ""
}

// Packet returns the advertisement sent to clients.
func (h HostInfo) Packet() *protocol.HostInfo {
	return &protocol.HostInfo{
		Name:        h.Name,
		Tags:        append([]string(nil), h.Tags...),
		MaxPlayers:  h.MaxPlayers,
		Description: h.Description,
		Private:     h.IsPrivate(),
	}
}

// DuplicatePolicy controls which usernames may coexist.
type DuplicatePolicy uint8

const (
	// DuplicatesNone rejects names equal under case folding.
	DuplicatesNone DuplicatePolicy = iota
	// DuplicatesCaseSensitive allows names that differ only in case.
	DuplicatesCaseSensitive
	// DuplicatesAny allows identical names.
	DuplicatesAny
)

// AdminVisibility controls who learns about admin status.
type AdminVisibility uint8

const (
	// VisibleToEveryone announces admin changes to every approved peer.
	VisibleToEveryone AdminVisibility = iota
	// VisibleToAdmins announces admin changes to admins only.
	VisibleToAdmins
)

// Config configures a server.
type Config struct {
	Session session.Config
	Host    HostInfo

	DuplicateUsernames DuplicatePolicy
	AdminVisibility    AdminVisibility

	// LocalHostID is the id of the hosting player's own connection. It is
	// promoted on readiness and cannot be demoted, kicked or banned.
	LocalHostID uint16

	// KickDelay lets a kick notice flush before the connection is closed.
	KickDelay time.Duration
	// PingBroadcastInterval is the ping table period; 0 disables it.
	PingBroadcastInterval time.Duration

	MinUsernameLength int
	MaxUsernameLength int

	// AnnouncePacketMap sends the registered hash table to new peers.
	AnnouncePacketMap bool

	// NAT enables port mapping before the server listens.
	NAT *nat.Config
	// Discoverer finds the gateway; nil selects UPnP.
	Discoverer nat.Discoverer
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Session:               session.Config{Parameters: transport.DefaultParameters()},
		KickDelay:             500 * time.Millisecond,
		PingBroadcastInterval: time.Second,
		MinUsernameLength:     1,
		MaxUsernameLength:     protocol.MaxNameLength,
	}
}

func (c Config) withDefaults() Config {
	if c.MinUsernameLength <= 0 {
		c.MinUsernameLength = 1
	}
	if c.MaxUsernameLength <= 0 || c.MaxUsernameLength > protocol.MaxNameLength {
		c.MaxUsernameLength = protocol.MaxNameLength
	}
	if c.KickDelay < 0 {
		c.KickDelay = 0
	}
	return c
}
