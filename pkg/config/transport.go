package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// TransportKind selects how a client reaches the broker.
type TransportKind int

const (
	TransportPlain TransportKind = iota
	TransportTLS
)

func (k TransportKind) String() string {
	if k == TransportTLS {
		return "tls"
	}
	return "plain"
}

const (
	defaultTLSPort   = "61617"
	defaultPlainPort = "61616"
)

// Transport is a parsed broker URL. The kind is decided here once; nothing
// downstream inspects the URL scheme again.
type Transport struct {
	Kind TransportKind
	Host string
	Port string
	// Params holds URL query options such as transport.needClientAuth.
	Params url.Values
}

// Address returns host:port.
func (t Transport) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// ParseBrokerURL parses ssl://host:port (TLS) or tcp://host:port (Plain).
func ParseBrokerURL(raw string) (Transport, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Transport{}, fmt.Errorf("invalid broker URL %q: %w", raw, err)
	}

	var t Transport
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqs":
		t.Kind = TransportTLS
		t.Port = defaultTLSPort
	case "tcp", "mq":
		t.Kind = TransportPlain
		t.Port = defaultPlainPort
	default:
		return Transport{}, fmt.Errorf("unsupported broker URL scheme %q (want ssl:// or tcp://)", u.Scheme)
	}

	t.Host = u.Hostname()
	if t.Host == "" {
		return Transport{}, fmt.Errorf("broker URL %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		t.Port = p
	}
	t.Params = u.Query()
	return t, nil
}
