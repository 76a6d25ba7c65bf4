package wireguard

import (
	"strconv"
	"strings"
	"time"

	"github.com/candyconnect/candyconnect-core/internal/status"
)

// activeHandshakeWindow is how recent a handshake must be for a peer to
// count as connected. WireGuard rekeys every two minutes while traffic flows.
const activeHandshakeWindow = 3 * time.Minute

// peerDump is one peer line of "wg show all dump".
type peerDump struct {
	Interface     string
	PublicKey     string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// parseDump extracts peer lines. Interface lines have 5 columns and peer
// lines 9: interface, public key, preshared key, endpoint, allowed ips,
// latest handshake, rx, tx, keepalive.
func parseDump(out string) []peerDump {
	var peers []peerDump
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) < 9 {
			continue
		}
		hs, err := strconv.ParseInt(cols[5], 10, 64)
		if err != nil {
			continue
		}
		rx, _ := strconv.ParseUint(cols[6], 10, 64) //nolint:errcheck // Malformed counters read as zero
		tx, _ := strconv.ParseUint(cols[7], 10, 64) //nolint:errcheck // Malformed counters read as zero
		p := peerDump{Interface: cols[0], PublicKey: cols[1], RxBytes: rx, TxBytes: tx}
		if hs > 0 {
			p.LastHandshake = time.Unix(hs, 0)
		}
		peers = append(peers, p)
	}
	return peers
}

func countActive(peers []peerDump, now time.Time) int {
	n := 0
	for _, p := range peers {
		if !p.LastHandshake.IsZero() && now.Sub(p.LastHandshake) < activeHandshakeWindow {
			n++
		}
	}
	return n
}

func sumTraffic(peers []peerDump) status.TrafficSample {
	var t status.TrafficSample
	for _, p := range peers {
		t.BytesIn += p.RxBytes
		t.BytesOut += p.TxBytes
	}
	return t
}
