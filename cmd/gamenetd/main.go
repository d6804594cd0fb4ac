package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opd-ai/gamenet/client"
	"github.com/opd-ai/gamenet/nat"
	"github.com/opd-ai/gamenet/packet"
	"github.com/opd-ai/gamenet/protocol"
	"github.com/opd-ai/gamenet/server"
	"github.com/opd-ai/gamenet/session"
	"github.com/opd-ai/gamenet/transport"
)

const tickRate = 20

// CLIConfig holds the command-line configuration.
type CLIConfig struct {
	mode          string
	serverAddress string
	serverPort    uint
	name          string
	description   string
	password      string
	adminPassword string
	maxPlayers    uint
	username      string
	enableNAT     bool
	logFile       string
	debug         bool
}

func parseCLIFlags(args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("gamenetd", flag.ContinueOnError)

	fs.StringVar(&config.mode, "mode", "server", "Run as \"server\" or \"client\"")
	fs.StringVar(&config.serverAddress, strings.TrimPrefix(session.AddressFlag, "-"), "", "Address to bind (server) or join (client)")
	fs.UintVar(&config.serverPort, strings.TrimPrefix(session.PortFlag, "-"), uint(session.DefaultPort), "Port to bind (server) or join (client)")

	fs.StringVar(&config.name, "name", "gamenet", "Advertised server name")
	fs.StringVar(&config.description, "description", "", "Advertised server description")
	fs.StringVar(&config.password, "password", "", "Server password; empty for a public server")
	fs.StringVar(&config.adminPassword, "adminPassword", "", "Admin password (server) or password to authorize with (client)")
	fs.UintVar(&config.maxPlayers, "maxPlayers", 0, "Maximum connections; 0 is unlimited")
	fs.BoolVar(&config.enableNAT, "nat", false, "Map the server port through a UPnP gateway")

	fs.StringVar(&config.username, "username", "", "Username to join with")

	fs.StringVar(&config.logFile, "log", "", "Also write logs to this file, rotated")
	fs.BoolVar(&config.debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, validateCLIConfig(config)
}

func validateCLIConfig(config *CLIConfig) error {
	if config.mode != "server" && config.mode != "client" {
		return fmt.Errorf("invalid mode %q: must be server or client", config.mode)
	}
	if config.serverPort == 0 || config.serverPort > 65535 {
		return fmt.Errorf("invalid port: must be between 1 and 65535")
	}
	if config.maxPlayers > 65535 {
		return fmt.Errorf("invalid maxPlayers: must be at most 65535")
	}
	if config.mode == "client" && config.username == "" {
		return fmt.Errorf("client mode requires -username")
	}
	return nil
}

// setupLogging sends logrus output to stderr and, with a log file, to a
// rotating file as well. The returned closer is nil without a log file.
func setupLogging(config *CLIConfig) io.Closer {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if config.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if config.logFile == "" {
		return nil
	}

	rotator := &lumberjack.Logger{
		Filename:   config.logFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

func sessionConfig(config *CLIConfig) session.Config {
	return session.Config{
		Address:    config.serverAddress,
		Port:       uint16(config.serverPort),
		Explicit:   true,
		Parameters: transport.DefaultParameters(),
	}
}

func runServer(ctx context.Context, config *CLIConfig) error {
	cfg := server.DefaultConfig()
	cfg.Session = sessionConfig(config)
	cfg.Host = server.HostInfo{
		Name:                        config.name,
		Description:                 config.description,
		Password:                    config.password,
		MaxPasswordAttempts:         3,
		MaxPlayers:                  uint16(config.maxPlayers),
		AdminPassword:               config.adminPassword,
		MaxAdminAttempts:            3,
		ResetAdminAttemptsPerMinute: true,
	}
	if config.enableNAT {
		natCfg := nat.DefaultConfig(uint16(config.serverPort))
		cfg.NAT = &natCfg
	}

	srv := server.New(packet.NewRegistry(), cfg)
	srv.OnReady(func(id uint16) {
		if c, ok := srv.Connection(id); ok {
			pterm.Success.Printfln("%s joined as #%d from %s", c.Username, id, c.Address)
		}
	})
	srv.OnDisconnected(func(id uint16) {
		pterm.Info.Printfln("#%d left", id)
	})
	srv.OnShutdown(func(reason string) {
		pterm.Warning.Printfln("Shutting down: %s", reason)
	})

	if err := srv.Open(); err != nil {
		return err
	}
	defer srv.Close()

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()
	announced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		srv.NetworkUpdate()
		if !srv.Session().IsOpen() {
			return nil
		}
		if !announced && srv.Listening() {
			announced = true
			pterm.Info.Printfln("Listening on %s", srv.Session().Transport().LocalAddr())
			if m := srv.Mapper(); m != nil && !m.Disabled() {
				for _, mapping := range m.Mappings() {
					pterm.Info.Printfln("Mapped external port %d/%s", mapping.ExternalPort, mapping.Protocol)
				}
			}
		}
	}
}

func runClient(ctx context.Context, config *CLIConfig) error {
	cfg := client.DefaultConfig()
	cfg.Session = sessionConfig(config)

	cl := client.New(packet.NewRegistry(), cfg)
	cl.OnConnected(func() {
		pterm.Info.Printfln("Connected to %s", cl.Session().HostPort())
		if config.password != "" {
			_ = cl.SubmitPassword(config.password)
		}
		_ = cl.SubmitUsername(config.username)
	})
	cl.OnApproved(func() {
		pterm.Success.Printfln("Joined as #%d", cl.SelfID())
		if config.adminPassword != "" {
			_ = cl.Authorize(config.adminPassword)
		}
	})
	cl.OnRejected(func(text string) {
		pterm.Error.Println(text)
	})
	cl.OnAdministration(func(p *protocol.Administration) {
		pterm.Warning.Printfln("%s #%d %s", p.Op, p.NetworkID, p.Text)
	})
	cl.OnDisconnected(func() {
		pterm.Warning.Println("Disconnected")
	})

	if err := cl.Open(); err != nil {
		return err
	}
	defer cl.Close()

	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cl.NetworkUpdate()
	}
}

func main() {
	config, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	if rotator := setupLogging(config); rotator != nil {
		defer rotator.Close()
	}

	pterm.DefaultHeader.Println("gamenet " + config.mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.mode == "server" {
		err = runServer(ctx, config)
	} else {
		err = runClient(ctx, config)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"mode":     config.mode,
			"error":    err.Error(),
		}).Error("Exiting")
		os.Exit(1)
	}
}
