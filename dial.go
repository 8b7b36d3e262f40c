package clusterkv

import (
	"fmt"
	"net"
	"time"
)

const (
	dialTransportNone = ""
	dialTransportSsl  = "ssl"
)

// DialOpts configures how a Dialer opens the raw network connection a
// Connection is then built on top of.
type DialOpts struct {
	// DialTimeout bounds the initial network dial.
	DialTimeout time.Duration
	// Transport selects "ssl" or the zero value for plain TCP.
	Transport string
	// Ssl configures the "ssl" transport.
	Ssl SslOpts
}

// Dialer is the interface that wraps opening a raw stream to a node's
// address. A ConnectionEntry (pool package) holds one Dialer per endpoint;
// the default TCPDialer below talks plain TCP or TLS via go-openssl.
type Dialer interface {
	Dial(address string, opts DialOpts) (net.Conn, error)
}

// TCPDialer is the default Dialer.
type TCPDialer struct{}

func (TCPDialer) Dial(address string, opts DialOpts) (net.Conn, error) {
	network, addr := parseAddress(address)
	switch opts.Transport {
	case dialTransportNone:
		return net.DialTimeout(network, addr, opts.DialTimeout)
	case dialTransportSsl:
		return sslDialTimeout(network, addr, opts.DialTimeout, opts.Ssl)
	default:
		return nil, fmt.Errorf("clusterkv: unsupported transport %q", opts.Transport)
	}
}

// parseAddress splits an address into its net.Dial network and address
// parts, recognizing both unix:// and tcp:// URL-style prefixes plus a
// bare leading "/" or "." as a unix socket path.
func parseAddress(address string) (string, string) {
	network := "tcp"
	switch {
	case len(address) > 0 && (address[0] == '.' || address[0] == '/'):
		network = "unix"
	case len(address) >= 7 && address[0:7] == "unix://":
		network, address = "unix", address[7:]
	case len(address) >= 5 && address[0:5] == "unix:":
		network, address = "unix", address[5:]
	case len(address) >= 6 && address[0:6] == "tcp://":
		address = address[6:]
	case len(address) >= 4 && address[0:4] == "tcp:":
		address = address[4:]
	}
	return network, address
}
