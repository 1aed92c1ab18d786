// Package netprobe is the stdlib-backed implementation of hostapi.NetworkProbe.
// Local interface enumeration is inherently a net.Interfaces() job, and
// Wi-Fi-vs-other-link detection is host-OS specific and left to the embedding
// app; see DESIGN.md's standard-library justification for this package.
package netprobe

import (
	"fmt"
	"net"

	"github.com/lanwatch/syncd/internal/hostapi"
)

var _ hostapi.NetworkProbe = (*Stdlib)(nil)

// Stdlib implements hostapi.NetworkProbe using net.Interfaces().
type Stdlib struct{}

func New() *Stdlib { return &Stdlib{} }

// LocalIPv4 returns the first non-loopback IPv4 address found on an up,
// non-loopback interface.
func (Stdlib) LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("enumerating interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no local IPv4 address found")
}

// IsWifiConnected always reports true: the embedding app owns
// Wi-Fi-state detection, which is platform-specific (NetworkCapabilities on
// Android, wpa_supplicant elsewhere) and genuinely out of scope here.
func (Stdlib) IsWifiConnected() bool {
	return true
}
