package decoder

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/core/dissect"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4
	maxVLANTags       = 8

	// Types at or below this value are 802.3 length fields
	ethernetMaxLength = 1500
	etherTypeMin      = 0x0600

	etherTypeQinQOld = 0x9100
)

func isVLAN(t uint16) bool {
	switch layers.EthernetType(t) {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ, etherTypeQinQOld:
		return true
	}
	return false
}

// Ethernet decodes an Ethernet II or 802.3 frame including stacked VLAN
// tags. Bytes the inner protocol leaves unconsumed render as padding.
func Ethernet(c dissect.Cursor, ctx *dissect.Context) (int, error) {
	if err := fixed(c, ethernetHeaderLen, "Ethernet"); err != nil {
		return 0, err
	}
	var dstMAC, srcMAC [6]byte
	b, _ := c.Bytes(0, 12)
	copy(dstMAC[:], b[0:6])
	copy(srcMAC[:], b[6:12])
	etherType := u16(c, 12)

	ctx.Push(c, 0, ethernetHeaderLen, "eth")
	ctx.Add(c, 0, 6, "eth.dst", core.EtherAddress(dstMAC))
	ctx.Add(c, 6, 6, "eth.src", core.EtherAddress(srcMAC))
	ctx.SetAddresses(core.EtherAddress(srcMAC), core.EtherAddress(dstMAC))
	ctx.SetInfo("%s -> %s", core.EtherAddress(srcMAC), core.EtherAddress(dstMAC))

	// Handle VLAN tags (can be nested: QinQ)
	offset := ethernetHeaderLen
	for tags := 0; isVLAN(etherType); tags++ {
		if tags == maxVLANTags {
			ctx.Pop()
			return offset, fmt.Errorf("%w: more than %d VLAN tags", core.ErrFatalStructural, maxVLANTags)
		}
		if c.Len() < offset+vlanHeaderLen {
			ctx.Pop()
			return offset, fmt.Errorf("%w: VLAN tag at offset %d", core.ErrTruncated, c.Abs(offset))
		}
		// VLAN header: 2 bytes TCI + 2 bytes EtherType
		tci := u16(c, offset)
		ctx.Addf(c, offset-2, 2, "eth.type", "%s (0x%04x)", layers.EthernetType(etherType), etherType)
		ctx.Push(c, offset, vlanHeaderLen, "vlan")
		ctx.Add(c, offset, 1, "vlan.priority", tci>>13)
		ctx.Add(c, offset, 1, "vlan.dei", tci&0x1000 != 0)
		ctx.Add(c, offset, 2, "vlan.id", tci&0x0fff)
		ctx.Pop()
		etherType = u16(c, offset+2)
		offset += vlanHeaderLen
	}

	if etherType <= ethernetMaxLength {
		ctx.Add(c, offset-2, 2, "eth.len", etherType)
		ctx.Pop()
		n := int(etherType)
		if offset+n > c.Reported() {
			ctx.Violation(dissect.SeverityError, c, offset-2, 2, "802.3 length %d exceeds the %d bytes available", n, c.Reported()-offset)
			n = c.Reported() - offset
		}
		used := ctx.CallNamed("llc", window(c, offset, n))
		trailer(ctx, c, offset+used, "eth.padding")
		return c.Len(), nil
	}
	if etherType < etherTypeMin {
		ctx.Pop()
		return offset, fmt.Errorf("%w: invalid type/length 0x%04x", core.ErrSpecViolation, etherType)
	}
	ctx.Addf(c, offset-2, 2, "eth.type", "%s (0x%04x)", layers.EthernetType(etherType), etherType)
	ctx.Pop()

	used := ctx.Call(dissect.TableEtherType, uint32(etherType), rest(c, offset))
	trailer(ctx, c, offset+used, "eth.padding")
	return c.Len(), nil
}
