// Package address implements Chaski-Confluent's peer address grammar:
// "<class>@<host>:<port>", with an optional leading '*' marking a
// paired-connection request.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Class identifies the role of a node reachable at an address.
type Class string

const (
	ClassNode     Class = "ChaskiNode"
	ClassStreamer Class = "ChaskiStreamer"
	ClassRemote   Class = "ChaskiRemote"
	ClassCA       Class = "ChaskiCA"
)

// Address is a parsed "<class>@<host>:<port>" peer address.
type Address struct {
	Class  Class
	Host   string
	Port   int
	Paired bool // set when the textual form carried a leading '*'
}

// Parse decodes a textual address. Equality of the textual form implies
// equality of the parsed form, and Parse(s).String() == s for any s produced
// by Format or String (the leading '*', when present, round-trips too).
func Parse(s string) (Address, error) {
	var a Address
	orig := s

	if strings.HasPrefix(s, "*") {
		a.Paired = true
		s = s[1:]
	}

	at := strings.IndexByte(s, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("address %q: missing '@'", orig)
	}
	class := s[:at]
	if class == "" {
		return Address{}, fmt.Errorf("address %q: empty class", orig)
	}
	a.Class = Class(class)

	rest := s[at+1:]
	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", orig, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: invalid port: %w", orig, err)
	}
	a.Host = host
	a.Port = port
	return a, nil
}

// splitHostPort splits "host:port", tolerating bracketed IPv6 literals.
func splitHostPort(s string) (host, port string, err error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':' in %q", s)
	}
	host = s[:idx]
	port = s[idx+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if host == "" || port == "" {
		return "", "", fmt.Errorf("missing host or port in %q", s)
	}
	return host, port, nil
}

// Format renders an address back to its canonical textual form.
func Format(class Class, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", class, host, port)
}

// String renders a back to its canonical textual form, including the
// leading '*' when Paired is set.
func (a Address) String() string {
	s := Format(a.Class, a.Host, a.Port)
	if a.Paired {
		return "*" + s
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Equal reports address equality, defined as string equality of the
// class/host/port triple (the Paired marker is not part of identity).
func (a Address) Equal(other Address) bool {
	return a.Class == other.Class && a.Host == other.Host && a.Port == other.Port
}

// Key returns the canonical identity string (without the Paired marker),
// suitable for use as a map key.
func (a Address) Key() string {
	return Format(a.Class, a.Host, a.Port)
}
