// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// AddressFamily tags the kind of value held by an Address.
type AddressFamily uint8

const (
	AddrNone AddressFamily = iota
	AddrEther
	AddrIPv4
	AddrIPv6
)

// Address is a source or destination address at any layer.
type Address struct {
	Family AddressFamily
	IP     netip.Addr // AddrIPv4, AddrIPv6
	HW     [6]byte    // AddrEther
}

// IPAddress wraps an IP address, choosing the family from the address itself.
func IPAddress(ip netip.Addr) Address {
	if ip.Is4() {
		return Address{Family: AddrIPv4, IP: ip}
	}
	return Address{Family: AddrIPv6, IP: ip}
}

// EtherAddress wraps a MAC address.
func EtherAddress(mac [6]byte) Address {
	return Address{Family: AddrEther, HW: mac}
}

// IsValid reports whether the address carries a value.
func (a Address) IsValid() bool {
	return a.Family != AddrNone
}

func (a Address) String() string {
	switch a.Family {
	case AddrIPv4, AddrIPv6:
		return a.IP.String()
	case AddrEther:
		m := a.HW
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
	default:
		return "-"
	}
}

// FlowTuple is the per-packet flow identity emitted to the conversation layer.
type FlowTuple struct {
	Src     Address
	Dst     Address
	SrcPort uint16
	DstPort uint16
	Proto   uint8  // IP protocol number of the outermost transport seen
	Key     uint32 // Protocol-specific flow key (IPv6 flow label, fragment id)
}

// Valid reports whether any network addresses were recorded.
func (f FlowTuple) Valid() bool {
	return f.Src.IsValid() && f.Dst.IsValid()
}

func (f FlowTuple) String() string {
	if f.SrcPort != 0 || f.DstPort != 0 {
		return fmt.Sprintf("%s:%d -> %s:%d/%d", f.Src, f.SrcPort, f.Dst, f.DstPort, f.Proto)
	}
	return fmt.Sprintf("%s -> %s/%d", f.Src, f.Dst, f.Proto)
}
