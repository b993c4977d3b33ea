package overrides

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxListFileSize is the number of bytes read from a list file before giving
// up.
const maxListFileSize = 1024 * 1024

// Entry is a sparse set of match criteria loaded from one override list
// line. Empty fields are absent: a whitelist entry must match on every field
// it carries, while a blacklist entry matches on any sufficiently specific
// group of them.
type Entry struct {
	// IPv4 is the directory IPv4 address.
	IPv4 string

	// DirPort is the directory port, as a decimal string.
	DirPort string

	// ORPort is the onion routing port, as a decimal string.
	ORPort string

	// ID is the relay fingerprint.
	ID string

	// IPv6 is the IPv6 address and onion routing port as a single
	// "addr:port" string.
	IPv6 string
}

// String returns a compact key=value rendering of the entry's present
// fields.
func (e *Entry) String() string {
	var fields []string
	add := func(key, value string) {
		if value != "" {
			fields = append(
				fields, fmt.Sprintf("%v=%v", key, value),
			)
		}
	}
	add("ipv4", e.IPv4)
	add("dirport", e.DirPort)
	add("orport", e.ORPort)
	add("id", e.ID)
	add("ipv6", e.IPv6)
	return strings.Join(fields, " ")
}

// ParseList reads an override list: one entry per line of whitespace
// separated key=value tokens, where a leading bare token is shorthand for
// "ipv4[:dirport]" and a '#' starts a comment that runs to the end of the
// line. The name is used in diagnostics only.
func ParseList(r io.Reader, name string) ([]*Entry, error) {
	var entries []*Entry

	scanner := bufio.NewScanner(io.LimitReader(r, maxListFileSize))
	for scanner.Scan() {
		line := scanner.Text()

		// Strip comments.
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		entry := &Entry{}
		for i, field := range fields {
			keyValue := strings.SplitN(field, "=", 2)

			// A bare leading token is an IPv4 address, perhaps
			// with a directory port.
			if len(keyValue) == 1 {
				if i != 0 {
					return nil, fmt.Errorf("%v: bad "+
						"item %q, format is "+
						"key=value", name, field)
				}

				addrPort := strings.SplitN(field, ":", 2)
				entry.IPv4 = addrPort[0]
				if len(addrPort) == 2 {
					entry.DirPort = addrPort[1]
				}
				continue
			}

			switch keyValue[0] {
			case "ipv4":
				entry.IPv4 = keyValue[1]
			case "dirport":
				entry.DirPort = keyValue[1]
			case "orport":
				entry.ORPort = keyValue[1]
			case "id":
				entry.ID = keyValue[1]
			case "ipv6":
				entry.IPv6 = keyValue[1]
			default:
				return nil, fmt.Errorf("%v: unknown key in "+
					"item %q", name, field)
			}
		}

		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}

	return entries, nil
}

// ParseListFile loads an override list from disk. A missing file yields an
// empty list, since both lists are optional.
func ParseListFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("Override list %v not found, using an "+
				"empty list", path)
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return ParseList(f, path)
}
