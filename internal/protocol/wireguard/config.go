package wireguard

import (
	"crypto/md5" //nolint:gosec // Address slot derivation, not security
	"fmt"
	"math/big"
	"net/netip"
	"regexp"
	"strings"
)

const (
	defaultMTU        = 1420
	defaultDNS        = "1.1.1.1"
	defaultListenPort = 51820

	// addressSlots is the number of host offsets handed out to clients,
	// starting at .2 so .1 stays with the server.
	addressSlots = 250
)

// Config is the stored WireGuard document.
type Config struct {
	Interfaces []Interface `json:"interfaces"`
}

// Interface is one wg-quick interface.
type Interface struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	ListenPort int    `json:"listen_port"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	MTU        int    `json:"mtu"`
	DNS        string `json:"dns"`
	PostUp     string `json:"post_up"`
	PostDown   string `json:"post_down"`
	Peers      []Peer `json:"peers,omitempty"`
}

// Peer is a client persisted into the interface config so it survives
// interface restarts.
type Peer struct {
	Username   string `json:"username"`
	PublicKey  string `json:"public_key"`
	AllowedIPs string `json:"allowed_ips"`
}

// DefaultConfig is the document seeded on first start.
func DefaultConfig() Config {
	return Config{Interfaces: []Interface{{
		ID:         "wg0",
		Name:       "wg0",
		Address:    "10.66.66.1/24",
		ListenPort: defaultListenPort,
		MTU:        defaultMTU,
		DNS:        "1.1.1.1, 8.8.8.8",
		PostUp:     "iptables -A FORWARD -i %i -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE",
		PostDown:   "iptables -D FORWARD -i %i -j ACCEPT; iptables -t nat -D POSTROUTING -o eth0 -j MASQUERADE",
	}}}
}

// Linux interface names: at most 15 bytes, no slashes.
var ifaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_=+.-]{1,15}$`)

func (i Interface) validate() error {
	if !ifaceNamePattern.MatchString(i.Name) {
		return fmt.Errorf("invalid interface name %q", i.Name)
	}
	if _, err := netip.ParsePrefix(i.Address); err != nil {
		return fmt.Errorf("interface %s: invalid address %q: %w", i.Name, i.Address, err)
	}
	return nil
}

func (i Interface) mtu() int {
	if i.MTU > 0 {
		return i.MTU
	}
	return defaultMTU
}

func (i Interface) dns() string {
	if i.DNS != "" {
		return i.DNS
	}
	return defaultDNS
}

func (i Interface) port() int {
	if i.ListenPort > 0 {
		return i.ListenPort
	}
	return defaultListenPort
}

// render produces the wg-quick file for the interface.
func (i Interface) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", i.Address)
	fmt.Fprintf(&b, "ListenPort = %d\n", i.port())
	fmt.Fprintf(&b, "PrivateKey = %s\n", i.PrivateKey)
	fmt.Fprintf(&b, "MTU = %d\n", i.mtu())
	if i.PostUp != "" {
		fmt.Fprintf(&b, "PostUp = %s\n", i.PostUp)
	}
	if i.PostDown != "" {
		fmt.Fprintf(&b, "PostDown = %s\n", i.PostDown)
	}
	for _, p := range i.Peers {
		fmt.Fprintf(&b, "\n[Peer]\n# %s\nPublicKey = %s\nAllowedIPs = %s\n", p.Username, p.PublicKey, p.AllowedIPs)
	}
	return b.String()
}

// ClientAddress derives the client address for username inside the
// interface network: md5(username) as a big-endian integer, mod 250, plus 2.
func ClientAddress(ifaceAddress, username string) (string, error) {
	prefix, err := netip.ParsePrefix(ifaceAddress)
	if err != nil {
		return "", fmt.Errorf("parsing interface address %q: %w", ifaceAddress, err)
	}
	base := prefix.Masked().Addr()
	if !base.Is4() {
		return "", fmt.Errorf("interface address %q is not IPv4", ifaceAddress)
	}

	sum := md5.Sum([]byte(username)) //nolint:gosec // Not used for security
	offset := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(addressSlots)).Int64() + 2

	b := base.As4()
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n += uint32(offset) //nolint:gosec // offset is in [2, 251]
	addr := netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	if !prefix.Contains(addr) {
		return "", fmt.Errorf("interface network %s too small for client addresses", prefix.Masked())
	}
	return addr.String() + "/32", nil
}
