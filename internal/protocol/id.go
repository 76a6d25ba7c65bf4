package protocol

import "fmt"

// ID identifies a protocol core. The set is closed.
type ID string

const (
	V2Ray       ID = "v2ray"
	WireGuard   ID = "wireguard"
	OpenVPN     ID = "openvpn"
	IKEv2       ID = "ikev2"
	L2TP        ID = "l2tp"
	DNSTT       ID = "dnstt"
	SlipStream  ID = "slipstream"
	TrustTunnel ID = "trusttunnel"
)

// Meta is the static description of a protocol.
type Meta struct {
	Name string
	Port int
}

var all = []ID{V2Ray, WireGuard, OpenVPN, IKEv2, L2TP, DNSTT, SlipStream, TrustTunnel}

var meta = map[ID]Meta{
	V2Ray:       {Name: "V2Ray (Xray)", Port: 443},
	WireGuard:   {Name: "WireGuard", Port: 51820},
	OpenVPN:     {Name: "OpenVPN", Port: 1194},
	IKEv2:       {Name: "IKEv2/IPSec", Port: 500},
	L2TP:        {Name: "L2TP/IPSec", Port: 1701},
	DNSTT:       {Name: "DNSTT", Port: 53},
	SlipStream:  {Name: "SlipStream", Port: 8388},
	TrustTunnel: {Name: "TrustTunnel", Port: 9443},
}

// All returns every protocol in display order.
func All() []ID {
	return append([]ID(nil), all...)
}

// Parse converts s to an ID, returning ErrNotFound for unknown values.
func Parse(s string) (ID, error) {
	id := ID(s)
	if _, ok := meta[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, s)
	}
	return id, nil
}

// Valid reports whether id is one of the known protocols.
func (id ID) Valid() bool {
	_, ok := meta[id]
	return ok
}

// Meta returns the static description of id. Unknown ids get a zero port
// and their raw string as name.
func (id ID) Meta() Meta {
	if m, ok := meta[id]; ok {
		return m
	}
	return Meta{Name: string(id)}
}

// Name is the display name.
func (id ID) Name() string { return id.Meta().Name }

// DefaultPort is the port reported when the config does not set one.
func (id ID) DefaultPort() int { return id.Meta().Port }

func (id ID) String() string { return string(id) }
