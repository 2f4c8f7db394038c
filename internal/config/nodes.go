package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

var ErrInvalidHost = errors.New("config: invalid host")

// Endpoint is one parsed peer address.
type Endpoint struct {
	Host string
	Port uint16
	IPv6 bool
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ValidPort reports whether port is in (1024, 65535].
func ValidPort(port int) bool {
	return port > 1024 && port <= 65535
}

// ParseHost accepts "ipv4:port", "hostname:port" and "[ipv6]:port".
func ParseHost(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidHost, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: bad port", ErrInvalidHost, s)
	}
	if !ValidPort(port) {
		return Endpoint{}, fmt.Errorf("%w: %q: port must be in (1024, 65535]", ErrInvalidHost, s)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: empty host", ErrInvalidHost, s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if strings.HasPrefix(s, "[") || !validHostname(host) {
			return Endpoint{}, fmt.Errorf("%w: %q: bad host", ErrInvalidHost, s)
		}
		return Endpoint{Host: host, Port: uint16(port)}, nil
	}
	return Endpoint{Host: ip.String(), Port: uint16(port), IPv6: ip.To4() == nil}, nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

// ParseNodesJSON decodes {"nodes":["ip:port",...]} into unique endpoints in
// file order. A missing or non-array "nodes" yields no endpoints.
func ParseNodesJSON(b []byte) ([]Endpoint, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("parse nodes json: %w", err)
	}
	raw := bytes.TrimSpace(root["nodes"])
	if len(raw) == 0 || raw[0] != '[' {
		return []Endpoint{}, nil
	}
	var nodes []string
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("parse nodes json: %w", err)
	}
	seen := make(map[string]struct{}, len(nodes))
	out := make([]Endpoint, 0, len(nodes))
	for i, s := range nodes {
		ep, err := ParseHost(s)
		if err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		if _, dup := seen[ep.String()]; dup {
			continue
		}
		seen[ep.String()] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

// LoadNodesFile reads and parses the static peer list.
func LoadNodesFile(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("read nodes file: %s is empty", path)
	}
	return ParseNodesJSON(data)
}
