package remote

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a remote's transport and role (spec.md §4.A "Remote
// name syntax").
type Kind int

const (
	// KindTCP is an active outbound plain TCP connection.
	KindTCP Kind = iota
	// KindUnix is an active outbound Unix domain socket connection.
	KindUnix
	// KindSSL is an active outbound TLS connection.
	KindSSL
	// KindPTCP passively listens on a TCP port.
	KindPTCP
	// KindPUnix passively listens on a Unix domain socket path.
	KindPUnix
	// KindPSSL passively listens for TLS connections.
	KindPSSL
	// KindDB is a self-reference: the live remote set is read from a
	// database column instead of being statically configured (spec.md
	// §4.A "self-reference resolution").
	KindDB
)

// String names the Kind the way it appears in a remote name's prefix.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUnix:
		return "unix"
	case KindSSL:
		return "ssl"
	case KindPTCP:
		return "ptcp"
	case KindPUnix:
		return "punix"
	case KindPSSL:
		return "pssl"
	case KindDB:
		return "db"
	default:
		return "unknown"
	}
}

// Passive reports whether this Kind listens for inbound connections
// rather than dialing out.
func (k Kind) Passive() bool {
	switch k {
	case KindPTCP, KindPUnix, KindPSSL:
		return true
	default:
		return false
	}
}

// Config is a parsed remote name (spec.md §3 Remote, §4.A).
type Config struct {
	Raw  string
	Kind Kind

	// tcp/ssl/ptcp/pssl
	Port uint16
	IP   string // dial target for active kinds; bind address for passive

	// unix/punix
	Path string

	// db: self-reference
	DB     string
	Table  string
	Column string
}

// ErrMalformedName is returned by Parse for a remote name that does not
// match any recognized syntax (spec.md §4.A "malformed remote name" is a
// startup/reconfiguration error, not a crash).
var ErrMalformedName = errors.New("remote: malformed name")

// Parse parses a remote name of the form:
//
//	ptcp:PORT[:IP]    punix:PATH
//	tcp:IP:PORT       unix:PATH
//	ssl:IP:PORT       pssl:PORT[:IP]
//	db:DATABASE,TABLE,COLUMN
func Parse(name string) (Config, error) {
	prefix, rest, ok := strings.Cut(name, ":")
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}

	switch prefix {
	case "ptcp":
		return parsePassiveTCP(name, rest, KindPTCP)
	case "pssl":
		return parsePassiveTCP(name, rest, KindPSSL)
	case "punix":
		if rest == "" {
			return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
		}
		return Config{Raw: name, Kind: KindPUnix, Path: rest}, nil
	case "tcp":
		return parseActiveTCP(name, rest, KindTCP)
	case "ssl":
		return parseActiveTCP(name, rest, KindSSL)
	case "unix":
		if rest == "" {
			return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
		}
		return Config{Raw: name, Kind: KindUnix, Path: rest}, nil
	case "db":
		return parseDB(name, rest)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
}

// parsePassiveTCP parses "PORT" or "PORT:IP" for ptcp/pssl.
func parsePassiveTCP(raw, rest string, kind Kind) (Config, error) {
	portStr, ip, _ := strings.Cut(rest, ":")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, raw, err)
	}
	return Config{Raw: raw, Kind: kind, Port: uint16(port), IP: ip}, nil
}

// parseActiveTCP parses "IP:PORT" for tcp/ssl.
func parseActiveTCP(raw, rest string, kind Kind) (Config, error) {
	ip, portStr, ok := strings.Cut(rest, ":")
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, raw, err)
	}
	return Config{Raw: raw, Kind: kind, IP: ip, Port: uint16(port)}, nil
}

// parseDB parses "DATABASE,TABLE,COLUMN" for the db: self-reference form.
func parseDB(raw, rest string) (Config, error) {
	parts := strings.Split(rest, ",")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Config{}, fmt.Errorf("%w: %q", ErrMalformedName, raw)
	}
	return Config{Raw: raw, Kind: KindDB, DB: parts[0], Table: parts[1], Column: parts[2]}, nil
}
