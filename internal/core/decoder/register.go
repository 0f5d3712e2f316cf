package decoder

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dissect/internal/core/dissect"
)

// pcap link types decoded outside the Juniper family.
const (
	LinkTypeEthernet = 1
	LinkTypePPP      = 9
	LinkTypeRaw      = 12
	LinkTypePPPHDLC  = 50
	LinkTypeRawAlt   = 101
	LinkTypeCHDLC    = 104
	LinkTypeFRelay   = 107
	LinkTypeIPv4     = 228
	LinkTypeIPv6     = 229
)

type tableSpec struct {
	name  string
	width dissect.KeyWidth
	base  dissect.Base
}

var tables = []tableSpec{
	{dissect.TableLinkType, dissect.Width32, dissect.BaseDec},
	{dissect.TableEtherType, dissect.Width16, dissect.BaseHex},
	{dissect.TableCHDLCProtocol, dissect.Width16, dissect.BaseHex},
	{dissect.TableGREProto, dissect.Width16, dissect.BaseHex},
	{dissect.TableIPProto, dissect.Width8, dissect.BaseDec},
	{dissect.TableIPv6NextHdr, dissect.Width8, dissect.BaseDec},
	{dissect.TablePPPProtocol, dissect.Width16, dissect.BaseHex},
	{dissect.TableJuniperProto, dissect.Width32, dissect.BaseDec},
	{dissect.TableFRNLPID, dissect.Width8, dissect.BaseHex},
	{dissect.TableLLCDSAP, dissect.Width8, dissect.BaseHex},
	{dissect.TableUDPPort, dissect.Width16, dissect.BaseDec},
	{dissect.TableTCPPort, dissect.Width16, dissect.BaseDec},
}

type entry struct {
	table string
	key   uint32
	name  string
	h     dissect.Handler
}

func entries() []entry {
	eth := uint32(layers.EthernetTypeIPv4)
	eth6 := uint32(layers.EthernetTypeIPv6)
	return []entry{
		{dissect.TableLinkType, LinkTypeEthernet, "eth", Ethernet},
		{dissect.TableLinkType, LinkTypePPP, "ppp", PPP},
		{dissect.TableLinkType, LinkTypePPPHDLC, "ppp", PPP},
		{dissect.TableLinkType, LinkTypeCHDLC, "chdlc", CHDLC},
		{dissect.TableLinkType, LinkTypeFRelay, "fr", FrameRelay},
		{dissect.TableLinkType, LinkTypeRaw, "ip", IP},
		{dissect.TableLinkType, LinkTypeRawAlt, "ip", IP},
		{dissect.TableLinkType, LinkTypeIPv4, "ipv4", IPv4},
		{dissect.TableLinkType, LinkTypeIPv6, "ipv6", IPv6},
		{dissect.TableLinkType, LinkTypeJuniperMLPPP, "juniper.mlppp", JuniperMLPPP},
		{dissect.TableLinkType, LinkTypeJuniperMLFR, "juniper.mlfr", JuniperMLFR},
		{dissect.TableLinkType, LinkTypeJuniperGGSN, "juniper.ggsn", JuniperGGSN},
		{dissect.TableLinkType, LinkTypeJuniperATM2, "juniper.atm2", JuniperATM2},
		{dissect.TableLinkType, LinkTypeJuniperSVCS, "juniper.svcs", JuniperServices},
		{dissect.TableLinkType, LinkTypeJuniperATM1, "juniper.atm1", JuniperATM1},
		{dissect.TableLinkType, LinkTypeJuniperPPPoE, "juniper.pppoe", JuniperPPPoE},
		{dissect.TableLinkType, LinkTypeJuniperEther, "juniper.ether", JuniperEther},
		{dissect.TableLinkType, LinkTypeJuniperPPP, "juniper.ppp", JuniperPPP},
		{dissect.TableLinkType, LinkTypeJuniperFRelay, "juniper.frelay", JuniperFrameRelay},
		{dissect.TableLinkType, LinkTypeJuniperCHDLC, "juniper.chdlc", JuniperCHDLC},

		{dissect.TableEtherType, eth, "ipv4", IPv4},
		{dissect.TableEtherType, eth6, "ipv6", IPv6},
		{dissect.TableEtherType, uint32(layers.EthernetTypePPPoEDiscovery), "pppoed", PPPoEDiscovery},
		{dissect.TableEtherType, uint32(layers.EthernetTypePPPoESession), "pppoe", PPPoESession},
		{dissect.TableEtherType, uint32(layers.EthernetTypeMPLSUnicast), "mpls", MPLS},
		{dissect.TableEtherType, uint32(layers.EthernetTypeMPLSMulticast), "mpls", MPLS},
		{dissect.TableEtherType, uint32(layers.EthernetTypePPP), "ppp", PPP},
		{dissect.TableEtherType, uint32(layers.EthernetTypeTransparentEthernetBridging), "eth", Ethernet},

		{dissect.TableIPProto, uint32(layers.IPProtocolIPv4), "ipv4", IPv4},
		{dissect.TableIPProto, uint32(layers.IPProtocolTCP), "tcp", TCP},
		{dissect.TableIPProto, uint32(layers.IPProtocolUDP), "udp", UDP},
		{dissect.TableIPProto, uint32(layers.IPProtocolIPv6), "ipv6", IPv6},
		{dissect.TableIPProto, uint32(layers.IPProtocolGRE), "gre", GRE},
		{dissect.TableIPProto, uint32(layers.IPProtocolESP), "esp", ESP},
		{dissect.TableIPProto, uint32(layers.IPProtocolAH), "ah", AH},
		{dissect.TableIPProto, uint32(layers.IPProtocolMPLSInIP), "mpls", MPLS},

		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolIPv6HopByHop), "ipv6.hopopts", ipv6HopByHop},
		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolIPv6Routing), "ipv6.routing", ipv6Routing},
		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolIPv6Fragment), "ipv6.fragment", ipv6Fragment},
		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolAH), "ipv6.ah", ipv6AH},
		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolNoNextHeader), "ipv6.nonxt", ipv6NoNext},
		{dissect.TableIPv6NextHdr, uint32(layers.IPProtocolIPv6Destination), "ipv6.dstopts", ipv6DstOpts},
		{dissect.TableIPv6NextHdr, ipProtoSHIM6, "shim6", shim6},

		{dissect.TableUDPPort, vxlanPort, "vxlan", VXLAN},
		{dissect.TableUDPPort, genevePort, "geneve", Geneve},
		{dissect.TableUDPPort, mplsInUDPPort, "mpls", MPLS},

		{dissect.TableGREProto, eth, "ipv4", IPv4},
		{dissect.TableGREProto, eth6, "ipv6", IPv6},
		{dissect.TableGREProto, uint32(layers.EthernetTypeTransparentEthernetBridging), "eth", Ethernet},
		{dissect.TableGREProto, uint32(layers.EthernetTypePPP), "ppp", PPP},
		{dissect.TableGREProto, uint32(layers.EthernetTypeMPLSUnicast), "mpls", MPLS},

		{dissect.TableFRNLPID, nlpidIPv4, "ipv4", IPv4},
		{dissect.TableFRNLPID, nlpidIPv6, "ipv6", IPv6},
		{dissect.TableFRNLPID, nlpidPPP, "ppp", PPP},
		{dissect.TableFRNLPID, nlpidQ933, "q933", Q933},
		{dissect.TableFRNLPID, nlpidSNAP, "llc.snap", SNAP},

		{dissect.TableLLCDSAP, llcSAPSNAP, "llc.snap", SNAP},
		{dissect.TableLLCDSAP, llcSAPOSI, "osi", OSI},
		{dissect.TableLLCDSAP, llcSAPIP, "ipv4", IPv4},

		{dissect.TableCHDLCProtocol, eth, "ipv4", IPv4},
		{dissect.TableCHDLCProtocol, eth6, "ipv6", IPv6},
		{dissect.TableCHDLCProtocol, chdlcProtoSLARP, "slarp", SLARP},
		{dissect.TableCHDLCProtocol, uint32(layers.EthernetTypeMPLSUnicast), "mpls", MPLS},
		{dissect.TableCHDLCProtocol, chdlcProtoOSI, "osi", OSI},

		{dissect.TablePPPProtocol, pppIPv4, "ipv4", IPv4},
		{dissect.TablePPPProtocol, pppIPv6, "ipv6", IPv6},
		{dissect.TablePPPProtocol, pppMPLSUnicast, "mpls", MPLS},
		{dissect.TablePPPProtocol, pppMPLSMulticast, "mpls", MPLS},
		{dissect.TablePPPProtocol, pppMP, "mp", Multilink},
		{dissect.TablePPPProtocol, pppLCP, "lcp", LCP},
		{dissect.TablePPPProtocol, pppIPCP, "ipcp", IPCP},
		{dissect.TablePPPProtocol, pppIPv6CP, "ipv6cp", IPV6CP},
		{dissect.TablePPPProtocol, pppOSI, "osi", OSI},

		{dissect.TableJuniperProto, juniperProtoIP, "ipv4", IPv4},
		{dissect.TableJuniperProto, juniperProtoMPLSIP, "mpls", MPLS},
		{dissect.TableJuniperProto, juniperProtoIPMPLS, "ipv4", IPv4},
		{dissect.TableJuniperProto, juniperProtoMPLS, "mpls", MPLS},
		{dissect.TableJuniperProto, juniperProtoIP6, "ipv6", IPv6},
		{dissect.TableJuniperProto, juniperProtoMPLSIP6, "mpls", MPLS},
		{dissect.TableJuniperProto, juniperProtoIP6MPLS, "ipv6", IPv6},
		{dissect.TableJuniperProto, juniperProtoCLNP, "osi", OSI},
		{dissect.TableJuniperProto, juniperProtoCLNPMPLS, "osi", OSI},
		{dissect.TableJuniperProto, juniperProtoMPLSCLNP, "mpls", MPLS},
		{dissect.TableJuniperProto, juniperProtoPPP, "ppp", PPP},
		{dissect.TableJuniperProto, juniperProtoISO, "juniper.iso", JuniperISO},
		{dissect.TableJuniperProto, juniperProtoLLC, "llc", LLC},
		{dissect.TableJuniperProto, juniperProtoLLCSNAP, "llc.snap", SNAP},
		{dissect.TableJuniperProto, juniperProtoEther, "eth", Ethernet},
		{dissect.TableJuniperProto, juniperProtoOAM, "juniper.oam", JuniperOAM},
		{dissect.TableJuniperProto, juniperProtoQ933, "q933", Q933},
		{dissect.TableJuniperProto, juniperProtoFRelay, "fr", FrameRelay},
		{dissect.TableJuniperProto, juniperProtoCHDLC, "chdlc", CHDLC},
	}
}

// Named dissectors reachable without a table, used by heuristics and
// fixed encapsulations.
var named = map[string]dissect.Handler{
	"eth":      Ethernet,
	"ip":       IP,
	"ipv4":     IPv4,
	"ipv6":     IPv6,
	"ppp":      PPP,
	"llc":      LLC,
	"llc.snap": SNAP,
	"osi":      OSI,
	"mpls":     MPLS,
	"chdlc":    CHDLC,
	"fr":       FrameRelay,
	"q933":     Q933,
	"pppoe":    PPPoESession,
}

// Register declares every table and installs the built-in dissectors.
// It must run before the registry is sealed.
func Register(reg *dissect.Registry) error {
	var errs []error
	for _, t := range tables {
		if _, err := reg.RegisterTable(t.name, t.width, t.base); err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", t.name, err))
		}
	}
	for _, e := range entries() {
		if err := reg.AddHandler(e.table, e.key, e.name, e.h); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d] %s: %w", e.table, e.key, e.name, err))
		}
	}
	for name, h := range named {
		if err := reg.RegisterNamed(name, h); err != nil {
			errs = append(errs, fmt.Errorf("named %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// NewRegistry returns a registry with the built-in dissectors installed.
func NewRegistry() (*dissect.Registry, error) {
	reg := dissect.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
