package compute

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DesktopPort is the VNC port served by lab images.
const DesktopPort = 5901

// TCPProber checks that a machine accepts connections on its desktop port.
type TCPProber struct {
	Port   int
	Dialer net.Dialer
}

// Probe dials address once and closes the connection on success.
func (p *TCPProber) Probe(ctx context.Context, address string) error {
	host := strings.TrimSpace(address)
	if host == "" {
		return fmt.Errorf("probe address is required")
	}
	port := p.Port
	if port <= 0 {
		port = DesktopPort
	}
	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("probe %s:%d: %w", host, port, err)
	}
	return conn.Close()
}
