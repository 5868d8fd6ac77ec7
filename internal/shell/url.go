package shell

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned when a location string cannot be parsed.
var ErrInvalidURL = errors.New("invalid location url")

// hostSpecRegex matches the scheme-less remote form user@host[:port]/path.
var hostSpecRegex = regexp.MustCompile(`^(?:([^@/]+)@)?([^@/:]+)(?::([0-9]+))?(/.*)$`)

// URL addresses a backup endpoint: a path on the local host, or a path on a
// remote host reachable over SSH. A URL is remote iff Host is non-empty.
//
// Paths are normalized at construction: local paths are made absolute, and
// every path is terminated with a trailing separator so no comparison is
// ever separator-sensitive.
type URL struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Path   string
}

// ParseURL parses [scheme://][user@host[:port]]/absolute/path. A bare path
// is local; user@host/path without a scheme is remote.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URL{}, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	var u URL
	switch {
	case strings.Contains(raw, "://"):
		parsed, err := url.Parse(raw)
		if err != nil {
			return URL{}, fmt.Errorf("%w [%s]: %w", ErrInvalidURL, raw, err)
		}
		u.Scheme = parsed.Scheme
		u.Host = parsed.Hostname()
		if parsed.User != nil {
			u.User = parsed.User.Username()
		}
		if p := parsed.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return URL{}, fmt.Errorf("%w [%s]", ErrInvalidURL, raw)
			}
			u.Port = port
		}
		u.Path = parsed.Path

	case !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, ".") && strings.Contains(firstPathSegment(raw), "@"):
		m := hostSpecRegex.FindStringSubmatch(raw)
		if m == nil {
			return URL{}, fmt.Errorf("%w [%s]", ErrInvalidURL, raw)
		}
		u.User = m[1]
		u.Host = m[2]
		if m[3] != "" {
			port, err := strconv.Atoi(m[3])
			if err != nil {
				return URL{}, fmt.Errorf("%w [%s]", ErrInvalidURL, raw)
			}
			u.Port = port
		}
		u.Path = m[4]

	default:
		u.Path = raw
	}

	if u.Path == "" {
		return URL{}, fmt.Errorf("%w [%s]: missing path", ErrInvalidURL, raw)
	}

	return u.Normalized(), nil
}

// firstPathSegment returns raw up to (not including) the first slash.
func firstPathSegment(raw string) string {
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// Normalized returns a copy with the path made absolute (local URLs only;
// remote paths are interpreted by the remote side) and trailing-separator
// terminated.
func (u URL) Normalized() URL {
	p := u.Path
	if !u.IsRemote() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}
	p = filepath.Clean(p)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	u.Path = p
	return u
}

// IsRemote reports whether this URL addresses a remote host.
func (u URL) IsRemote() bool {
	return u.Host != ""
}

// TrimmedPath is the path without the trailing separator (except the root).
func (u URL) TrimmedPath() string {
	if u.Path == "/" {
		return u.Path
	}
	return strings.TrimSuffix(u.Path, "/")
}

// SSHTarget is the user@host argument handed to ssh.
func (u URL) SSHTarget() string {
	if u.User != "" {
		return u.User + "@" + u.Host
	}
	return u.Host
}

// String renders the URL back to its textual form. The result parses back
// to an equal URL.
func (u URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	if u.IsRemote() {
		if u.User != "" {
			b.WriteString(u.User)
			b.WriteByte('@')
		}
		b.WriteString(u.Host)
		if u.Port != 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(u.Port))
		}
	}
	b.WriteString(u.TrimmedPath())
	return b.String()
}

// Equal reports whether two URLs address the same endpoint. Comparison is
// separator-insensitive by construction since paths are normalized.
func (u URL) Equal(other URL) bool {
	return u.Scheme == other.Scheme &&
		u.User == other.User &&
		u.Host == other.Host &&
		u.Port == other.Port &&
		u.Path == other.Path
}
