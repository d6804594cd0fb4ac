package session

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// AddressFlag overrides the server address.
	AddressFlag = "-serverAddress"
	// PortFlag overrides the server port.
	PortFlag = "-serverPort"
)

// EndpointOverrides holds values scanned from the command line.
type EndpointOverrides struct {
	Address    string
	Port       uint16
	HasAddress bool
	HasPort    bool
}

// ParseEndpointOverrides scans args for -serverAddress and -serverPort, in
// either "-flag value" or "-flag=value" form. Unrelated arguments belonging
// to the host application are ignored. An unparsable port is ignored.
func ParseEndpointOverrides(args []string) EndpointOverrides {
	var o EndpointOverrides
	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		if name != AddressFlag && name != PortFlag {
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				break
			}
			i++
			value = args[i]
		}

		switch name {
		case AddressFlag:
			if value != "" {
				o.Address = value
				o.HasAddress = true
			}
		case PortFlag:
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ParseEndpointOverrides",
					"value":    value,
					"error":    err.Error(),
				}).Warn("Ignoring invalid port override")
				continue
			}
			o.Port = uint16(port)
			o.HasPort = true
		}
	}
	return o
}
