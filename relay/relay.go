package relay

import (
	"fmt"
	"strconv"
	"time"
)

// timestampLayout is the layout of the timestamps reported by the metadata
// service, e.g. "2015-03-30 06:00:00". All timestamps are UTC.
const timestampLayout = "2006-01-02 15:04:05"

// MissingFieldError is returned when a raw details document is missing one of
// the fields required to build a relay record. The affected relay is dropped
// and the run continues.
type MissingFieldError struct {
	// Fingerprint identifies the relay when the document carried one.
	Fingerprint string

	// Field is the name of the missing required field.
	Field string
}

// Error returns a human readable string describing the error.
func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("relay %v: document has no %v field",
		e.Fingerprint, e.Field)
}

// InvalidRelayError is returned when a relay record cannot be completed, for
// example because no onion routing port could be resolved on the directory
// address. The affected relay is dropped and the run continues.
type InvalidRelayError struct {
	// Fingerprint identifies the relay.
	Fingerprint string

	// Reason describes why the record is invalid.
	Reason string
}

// Error returns a human readable string describing the error.
func (e *InvalidRelayError) Error() string {
	return fmt.Sprintf("relay %v: %v", e.Fingerprint, e.Reason)
}

// Details is the raw per-relay record of a metadata service details
// document. Pointer fields distinguish absent fields from zero values.
type Details struct {
	Fingerprint              *string  `json:"fingerprint"`
	Nickname                 *string  `json:"nickname"`
	Contact                  *string  `json:"contact"`
	ORAddresses              []string `json:"or_addresses"`
	DirAddress               *string  `json:"dir_address"`
	LastChangedAddressOrPort *string  `json:"last_changed_address_or_port"`
	ConsensusWeight          *float64 `json:"consensus_weight"`
	AdvertisedBandwidth      *float64 `json:"advertised_bandwidth"`
	Flags                    []string `json:"flags"`
	RecommendedVersion       bool     `json:"recommended_version"`
}

// Relay is a normalized, validated relay record built from a raw details
// record. Records are constructed once per run and discarded at the end of
// it.
type Relay struct {
	// Fingerprint uniquely identifies the relay within a run.
	Fingerprint string

	// Nickname is the relay's self-chosen name. It is untrusted text.
	Nickname string

	// Contact is the operator contact string, or empty if unreported.
	// It is untrusted text.
	Contact string

	// Addresses is the stabilized onion routing address list: the
	// primary address first, secondaries in lexicographic order.
	Addresses []string

	// DirAddress is the directory address as reported, "ip:port".
	DirAddress string

	// DirIP is the IPv4 address of the directory port.
	DirIP string

	// DirPort is the directory port.
	DirPort int

	// ORPort is the onion routing port on the directory IP.
	ORPort int

	// IPv6Addr is the bracketed IPv6 onion routing address, or empty if
	// the relay has no usable IPv6 address.
	IPv6Addr string

	// IPv6ORPort is the onion routing port of IPv6Addr. It is only
	// meaningful when IPv6Addr is set.
	IPv6ORPort int

	// ConsensusWeight is the network-assigned relative capacity metric.
	ConsensusWeight float64

	// AdvertisedBandwidth is the relay's self-reported bandwidth in
	// bytes per second, or zero if unreported.
	AdvertisedBandwidth float64

	// Flags is the set of consensus flags currently assigned to the
	// relay.
	Flags []string

	// LastChangedAddressOrPort is the time the relay last changed its
	// address or one of its ports.
	LastChangedAddressOrPort time.Time

	// RecommendedVersion is true if the relay runs a recommended
	// software version. False also covers the field being unreported.
	RecommendedVersion bool
}

// New builds a normalized relay record from a raw details record. It returns
// a MissingFieldError if a required field is absent, and an
// InvalidRelayError if no onion routing port can be resolved on the
// directory address.
func New(d *Details) (*Relay, error) {
	fingerprint := ""
	if d.Fingerprint != nil {
		fingerprint = *d.Fingerprint
	}

	// All of these must be present for the relay to be usable as a
	// fallback candidate.
	switch {
	case d.Fingerprint == nil:
		return nil, &MissingFieldError{Field: "fingerprint"}
	case d.Nickname == nil:
		return nil, &MissingFieldError{fingerprint, "nickname"}
	case d.LastChangedAddressOrPort == nil:
		return nil, &MissingFieldError{
			fingerprint, "last_changed_address_or_port",
		}
	case d.ConsensusWeight == nil:
		return nil, &MissingFieldError{fingerprint, "consensus_weight"}
	case d.ORAddresses == nil:
		return nil, &MissingFieldError{fingerprint, "or_addresses"}
	case d.DirAddress == nil:
		return nil, &MissingFieldError{fingerprint, "dir_address"}
	}

	lastChanged, err := time.Parse(
		timestampLayout, *d.LastChangedAddressOrPort,
	)
	if err != nil {
		return nil, &InvalidRelayError{
			Fingerprint: fingerprint,
			Reason: fmt.Sprintf("bad last changed timestamp: %v",
				err),
		}
	}

	r := &Relay{
		Fingerprint:              fingerprint,
		Nickname:                 *d.Nickname,
		Addresses:                stableSortAddresses(d.ORAddresses),
		DirAddress:               *d.DirAddress,
		ConsensusWeight:          *d.ConsensusWeight,
		Flags:                    d.Flags,
		LastChangedAddressOrPort: lastChanged,
		RecommendedVersion:       d.RecommendedVersion,
	}
	if d.Contact != nil {
		r.Contact = *d.Contact
	}
	if d.AdvertisedBandwidth != nil {
		// Relays without an advertised bandwidth have it estimated
		// from their consensus weight later on.
		r.AdvertisedBandwidth = *d.AdvertisedBandwidth
	}

	if err := r.splitDirAddress(); err != nil {
		return nil, err
	}
	if err := r.computeORPort(); err != nil {
		return nil, err
	}

	// A relay without an IPv6 address simply has no IPv6 capability.
	r.computeIPv6Addr()
	if r.IPv6Addr == "" {
		log.Debugf("Failed to get an ipv6 address for %v",
			r.Fingerprint)
	}

	return r, nil
}

// splitDirAddress splits the directory address into its IP and port.
func (r *Relay) splitDirAddress() error {
	ip, portStr := splitAddrPort(r.DirAddress)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return &InvalidRelayError{
			Fingerprint: r.Fingerprint,
			Reason: fmt.Sprintf("bad dir_address %q",
				r.DirAddress),
		}
	}

	r.DirIP = ip
	r.DirPort = port
	return nil
}

// computeORPort chooses the first onion routing port that is on the same
// IPv4 address as the directory port. In rare circumstances this might not
// be the primary address, but the stabilized address ordering ensures the
// same port is chosen every time regardless of the order the source reported
// the secondaries in.
func (r *Relay) computeORPort() error {
	for i, addr := range r.Addresses {
		if i > 0 {
			log.Debugf("Secondary IPv4 address used for %v: %v",
				r.Fingerprint, addr)
		}

		ip, portStr := splitAddrPort(addr)
		if ip != r.DirIP || !IsValidIPv4(ip) {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}

		r.ORPort = port
		return nil
	}

	return &InvalidRelayError{
		Fingerprint: r.Fingerprint,
		Reason:      "no onion routing port on the directory address",
	}
}

// computeIPv6Addr chooses the first IPv6 address that uses the same port as
// the onion routing port, falling back to the first valid IPv6 address in
// the list. The stabilized address ordering makes the choice reproducible.
func (r *Relay) computeIPv6Addr() {
	// Prefer an IPv6 address on the same port as the onion routing port.
	for _, addr := range r.Addresses {
		ip, portStr := splitAddrPort(addr)
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if port == r.ORPort && IsValidIPv6(ip) {
			r.IPv6Addr = ip
			r.IPv6ORPort = port
			return
		}
	}

	// Otherwise take the first valid IPv6 address.
	for _, addr := range r.Addresses {
		ip, portStr := splitAddrPort(addr)
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if IsValidIPv6(ip) {
			r.IPv6Addr = ip
			r.IPv6ORPort = port
			return
		}
	}
}

// HasIPv6 returns true if the relay has a usable IPv6 onion routing address.
func (r *Relay) HasIPv6() bool {
	return r.IPv6Addr != ""
}

// IPv6AddrPort returns the relay's IPv6 address and onion routing port as a
// single "addr:port" string, or empty if the relay has no IPv6 address.
func (r *Relay) IPv6AddrPort() string {
	if !r.HasIPv6() {
		return ""
	}
	return fmt.Sprintf("%v:%d", r.IPv6Addr, r.IPv6ORPort)
}

// HasFlag returns true if the relay currently carries the given consensus
// flag.
func (r *Relay) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsExit returns true if the relay currently carries the Exit flag.
func (r *Relay) IsExit() bool {
	return r.HasFlag("Exit")
}

// IsGuard returns true if the relay currently carries the Guard flag.
func (r *Relay) IsGuard() bool {
	return r.HasFlag("Guard")
}

// IsRunning returns true if the relay currently carries the Running flag.
func (r *Relay) IsRunning() bool {
	return r.HasFlag("Running")
}
