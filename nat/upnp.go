package nat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	ssdpAddress = "239.255.255.250:1900"

	serviceWANIP  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	serviceWANPPP = "urn:schemas-upnp-org:service:WANPPPConnection:1"
	deviceIGD     = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

	// upnpConflictCode is ConflictInMappingEntry.
	upnpConflictCode = "718"
)

// UPnP discovers Internet Gateway Devices over SSDP.
type UPnP struct {
	// Location skips SSDP and fetches the device description directly.
	Location string
	// Timeout bounds each HTTP request; defaults to 10s.
	Timeout time.Duration
	// Client performs HTTP requests; defaults to a client with Timeout.
	Client *http.Client
}

// NewUPnP returns a UPnP discoverer with default settings.
func NewUPnP() *UPnP {
	return &UPnP{Timeout: 10 * time.Second}
}

// Discover locates the gateway and resolves its control endpoint.
func (u *UPnP) Discover(ctx context.Context) (Device, error) {
	location := u.Location
	if location == "" {
		var err error
		location, err = u.ssdpDiscover(ctx, deviceIGD)
		if err != nil {
			location, err = u.ssdpDiscover(ctx, serviceWANIP)
			if err != nil {
				return nil, fmt.Errorf("failed to discover UPnP gateway: %w", err)
			}
		}
	}

	gw := &gateway{client: u.httpClient(), location: location}
	if err := gw.describe(ctx); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "UPnP.Discover",
		"location":    location,
		"control_url": gw.controlURL,
		"service":     gw.serviceType,
	}).Debug("UPnP gateway discovered")
	return gw, nil
}

func (u *UPnP) httpClient() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// ssdpDiscover sends an M-SEARCH and returns the first LOCATION seen.
func (u *UPnP) ssdpDiscover(ctx context.Context, searchTarget string) (string, error) {
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", fmt.Errorf("failed to create UDP socket: %w", err)
	}
	defer pc.Close()

	// Gateways sit one or two hops away at most.
	if err := ipv4.NewPacketConn(pc).SetMulticastTTL(2); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UPnP.ssdpDiscover",
			"error":    err.Error(),
		}).Debug("Failed to set multicast TTL")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := pc.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set deadline: %w", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		return "", err
	}

	request := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"ST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: 2\r\n\r\n",
		ssdpAddress, searchTarget)
	if _, err := pc.WriteTo([]byte(request), dst); err != nil {
		return "", fmt.Errorf("failed to send SSDP request: %w", err)
	}

	buffer := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n, _, err := pc.ReadFrom(buffer)
		if err != nil {
			return "", fmt.Errorf("failed to read SSDP response: %w", err)
		}
		if location, err := parseLocation(string(buffer[:n])); err == nil {
			return location, nil
		}
	}
}

// parseLocation extracts the LOCATION header from an SSDP response.
func parseLocation(response string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			parts := strings.SplitN(line, ":", 2)
			if value := strings.TrimSpace(parts[1]); value != "" {
				return value, nil
			}
		}
	}
	return "", errors.New("LOCATION header not found in SSDP response")
}

// gateway is a described UPnP device.
type gateway struct {
	client      *http.Client
	location    string
	controlURL  string
	serviceType string
}

func (g *gateway) describe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.location, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch device description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return g.parseDescription(string(body))
}

// parseDescription finds the control URL of the first WAN connection
// service in a device description.
func (g *gateway) parseDescription(description string) error {
	for _, service := range []string{serviceWANIP, serviceWANPPP} {
		at := strings.Index(description, "<serviceType>"+service+"</serviceType>")
		if at == -1 {
			continue
		}
		rest := description[at:]
		if end := strings.Index(rest, "</service>"); end != -1 {
			rest = rest[:end]
		}
		path, ok := extractTag(rest, "controlURL")
		if !ok {
			continue
		}
		base, err := url.Parse(g.location)
		if err != nil {
			return fmt.Errorf("invalid gateway URL: %w", err)
		}
		control, err := base.Parse(strings.TrimSpace(path))
		if err != nil {
			return fmt.Errorf("invalid control URL: %w", err)
		}
		g.controlURL = control.String()
		g.serviceType = service
		return nil
	}
	return errors.New("WAN connection service not found in device description")
}

// InternalIPv4 returns the local address used to reach the gateway.
func (g *gateway) InternalIPv4(ctx context.Context) (net.IP, error) {
	u, err := url.Parse(g.controlURL)
	if err != nil {
		return nil, err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, ErrNoAddress
	}
	return addr.IP.To4(), nil
}

// InternalIPv6 is unsupported: WANIPConnection:1 only maps IPv4 clients.
func (g *gateway) InternalIPv6(context.Context) (net.IP, error) {
	return nil, ErrUnsupported
}

// ExternalIP asks the gateway for its public address.
func (g *gateway) ExternalIP(ctx context.Context) (net.IP, error) {
	response, err := g.soap(ctx, "GetExternalIPAddress", "")
	if err != nil {
		return nil, err
	}

	value, ok := extractTag(response, "NewExternalIPAddress")
	if !ok {
		return nil, errors.New("external IP address not found in response")
	}
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", value)
	}
	return ip, nil
}

// AddPortMapping creates m on the gateway.
func (g *gateway) AddPortMapping(ctx context.Context, m Mapping) error {
	args := fmt.Sprintf(
		"<NewRemoteHost></NewRemoteHost>"+
			"<NewExternalPort>%d</NewExternalPort>"+
			"<NewProtocol>%s</NewProtocol>"+
			"<NewInternalPort>%d</NewInternalPort>"+
			"<NewInternalClient>%s</NewInternalClient>"+
			"<NewEnabled>1</NewEnabled>"+
			"<NewPortMappingDescription>%s</NewPortMappingDescription>"+
			"<NewLeaseDuration>%d</NewLeaseDuration>",
		m.ExternalPort,
		strings.ToUpper(m.Protocol),
		m.InternalPort,
		m.InternalIP.String(),
		m.Description,
		int(m.Lease.Seconds()))

	_, err := g.soap(ctx, "AddPortMapping", args)
	return err
}

// DeletePortMapping removes the mapping for externalPort.
func (g *gateway) DeletePortMapping(ctx context.Context, externalPort uint16, protocol string) error {
	args := fmt.Sprintf(
		"<NewRemoteHost></NewRemoteHost>"+
			"<NewExternalPort>%d</NewExternalPort>"+
			"<NewProtocol>%s</NewProtocol>",
		externalPort,
		strings.ToUpper(protocol))

	_, err := g.soap(ctx, "DeletePortMapping", args)
	return err
}

func (g *gateway) soap(ctx context.Context, action, args string) (string, error) {
	body := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:%s xmlns:u="%s">%s</u:%s>
</s:Body>
</s:Envelope>`, action, g.serviceType, args, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.controlURL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create SOAP request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+g.serviceType+"#"+action+`"`)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send SOAP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read SOAP response: %w", err)
	}
	response := string(data)

	if resp.StatusCode != http.StatusOK {
		if code, ok := extractTag(response, "errorCode"); ok && strings.TrimSpace(code) == upnpConflictCode {
			return "", fmt.Errorf("%s: %w", action, ErrPortInUse)
		}
		return "", fmt.Errorf("SOAP %s failed: %s", action, resp.Status)
	}
	return response, nil
}

// extractTag returns the text between the first <tag> and </tag>.
func extractTag(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	start := strings.Index(s, open)
	if start == -1 {
		return "", false
	}
	start += len(open)
	end := strings.Index(s[start:], "</"+tag+">")
	if end == -1 {
		return "", false
	}
	return s[start : start+end], true
}
