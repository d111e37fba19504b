package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// HostPort is the dial-back address a peer advertises. It is used as the
// peer's identity: two values are the same peer iff host and port match.
type HostPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Validate checks that the address can be dialed.
func (h HostPort) Validate() error {
	if strings.TrimSpace(h.Host) == "" {
		return fmt.Errorf("empty host")
	}
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("invalid port: %d", h.Port)
	}
	return nil
}

// ParseHostPort parses "host:port" or a multiaddr such as
// /ip4/10.0.0.2/tcp/8111 or /dns4/peer.local/tcp/8111.
func ParseHostPort(s string) (HostPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostPort{}, fmt.Errorf("empty peer address")
	}
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return HostPort{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return HostPort{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}

	hp := HostPort{Host: host, Port: port}
	if err := hp.Validate(); err != nil {
		return HostPort{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	return hp, nil
}

func parseMultiaddr(s string) (HostPort, error) {
	addr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return HostPort{}, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}

	var host string
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return HostPort{}, fmt.Errorf("multiaddr %q has no ip or dns component", s)
	}

	portStr, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return HostPort{}, fmt.Errorf("multiaddr %q has no tcp component: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return HostPort{}, fmt.Errorf("invalid tcp port in %q: %w", s, err)
	}

	hp := HostPort{Host: host, Port: port}
	if err := hp.Validate(); err != nil {
		return HostPort{}, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}
	return hp, nil
}

// ParsePeerList parses a comma-separated list of peer addresses. Empty
// entries are skipped.
func ParsePeerList(s string) ([]HostPort, error) {
	var peers []HostPort
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		hp, err := ParseHostPort(item)
		if err != nil {
			return nil, err
		}
		peers = append(peers, hp)
	}
	return peers, nil
}
