// Package hostenv is the default synscan.Host implementation: it parses
// port-range strings, resolves outgoing routes, opens capture filters
// through internal/transport, and reports progress through a progress bar
// whose output goes to its logger at Debug level.
package hostenv

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/KevAligo/synscan/internal/synscan"
	"github.com/KevAligo/synscan/internal/transport"
)

// defaultPortRangePreference is returned by PortRangePreference when no
// more specific preference has been set: every TCP port except the
// reserved port 0.
const defaultPortRangePreference = "1-65535"

// Host is the concrete synscan.Host used by the command-line tool. It
// accumulates the open ports reported across however many scans it is
// used for; construct a fresh Host per scan to keep that list scoped to
// one run.
type Host struct {
	logger *slog.Logger
	bar    *progressbar.ProgressBar

	portRangePreference string
	openPorts           []OpenPort
}

// OpenPort is one reported open port, recorded in discovery order.
type OpenPort struct {
	Port  uint16
	Proto string
}

// New builds a Host that logs through logger (or slog.Default() if nil).
func New(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{logger: logger}
}

// OpenPorts returns every port reported open so far, in report order.
func (h *Host) OpenPorts() []OpenPort {
	return append([]OpenPort(nil), h.openPorts...)
}

// SetPortRangePreference overrides the range PortRangePreference reports;
// cmd/synscan calls this from its -ports flag so the CLI and the
// programmatic Host.PortRangePreference() fallback stay in sync.
func (h *Host) SetPortRangePreference(rangeSpec string) {
	h.portRangePreference = rangeSpec
}

// PortRangePreference returns the host-configured default port range,
// consulted by synscan.Scan when its Config.PortRange is left empty.
func (h *Host) PortRangePreference() string {
	if h.portRangePreference == "" {
		return defaultPortRangePreference
	}
	return h.portRangePreference
}

// PortListFromRange parses a comma-separated list of ports and inclusive
// ranges ("22,80,1000-2000") into a deduplicated, ascending port list.
func (h *Host) PortListFromRange(rangeSpec string) ([]uint16, error) {
	seen := make(map[uint16]struct{})
	for _, field := range strings.Split(rangeSpec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, err := parseRangeField(field)
		if err != nil {
			return nil, err
		}
		for p := lo; ; p++ {
			seen[p] = struct{}{}
			if p == hi {
				break
			}
		}
	}

	ports := make([]uint16, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

func parseRangeField(field string) (lo, hi uint16, err error) {
	if i := strings.IndexByte(field, '-'); i >= 0 {
		lo, err = parsePort(field[:i])
		if err != nil {
			return 0, 0, err
		}
		hi, err = parsePort(field[i+1:])
		if err != nil {
			return 0, 0, err
		}
		if hi < lo {
			return 0, 0, fmt.Errorf("hostenv: invalid range %q: end before start", field)
		}
		return lo, hi, nil
	}
	p, err := parsePort(field)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("hostenv: invalid port %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("hostenv: port 0 is reserved and cannot be scanned")
	}
	return uint16(n), nil
}

// RouteLookup resolves the interface and source address the kernel would
// use to reach dst, by connecting a UDP socket (no packet is ever sent on
// it) and reading back the address it bound to.
func (h *Host) RouteLookup(dst net.IP) (iface string, src net.IP, err error) {
	network := "udp4"
	if dst.To4() == nil {
		network = "udp6"
	}
	conn, err := net.Dial(network, net.JoinHostPort(dst.String(), "9"))
	if err != nil {
		return "", nil, fmt.Errorf("hostenv: route lookup to %s: %w", dst, err)
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr)
	ifi, err := interfaceForAddr(local.IP)
	if err != nil {
		return "", nil, err
	}
	return ifi.Name, local.IP, nil
}

func interfaceForAddr(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("hostenv: list interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(ip) {
				ifi := ifi
				return &ifi, nil
			}
		}
	}
	return nil, fmt.Errorf("hostenv: no interface bound to %s", ip)
}

// HostIsLocal reports true for loopback and unspecified destinations, the
// one case the scan engine refuses to probe.
func (h *Host) HostIsLocal(dst net.IP) bool {
	return dst.IsLoopback() || dst.IsUnspecified()
}

// ReportOpenPort records the open port and logs it.
func (h *Host) ReportOpenPort(port uint16, proto string) {
	h.openPorts = append(h.openPorts, OpenPort{Port: port, Proto: proto})
	h.logger.Info("synscan: port open", "port", port, "proto", proto)
}

// Progress drives a progress bar rendered through the Host's logger at
// Debug level, created lazily on the first call and sized by that call's
// total.
func (h *Host) Progress(hostname, stage string, current, total int) {
	if h.bar == nil {
		h.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(fmt.Sprintf("%s: %s %s", hostname, stage, hostname)),
			progressbar.OptionSetWriter(progressWriter{h.logger}),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = h.bar.Set(current)
	if current >= total {
		_ = h.bar.Finish()
	}
}

// SetHostFlag logs the terminal facts the scan engine records about a
// completed scan.
func (h *Host) SetHostFlag(key string, value int) {
	h.logger.Debug("synscan: host flag", "key", key, "value", value)
}

// OpenCapture parses the filter expression synscan.Scan builds
// ("tcp and src host <dst> and dst port <magic>") and opens a capture
// bound to the embedded destination and magic port through
// internal/transport, which compiles it straight to a BPF program rather
// than shelling out to a packet-filter library.
func (h *Host) OpenCapture(iface, filter string) (synscan.Capture, error) {
	dst, magic, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	return transport.OpenCapture(iface, dst, magic)
}

func parseFilter(filter string) (net.IP, uint16, error) {
	var dstStr string
	var magic uint16
	n, err := fmt.Sscanf(filter, "tcp and src host %s and dst port %d", &dstStr, &magic)
	if err != nil || n != 2 {
		return nil, 0, fmt.Errorf("hostenv: malformed capture filter %q", filter)
	}
	ip := net.ParseIP(dstStr)
	if ip == nil {
		return nil, 0, fmt.Errorf("hostenv: malformed capture filter %q: bad address", filter)
	}
	return ip, magic, nil
}

// progressWriter adapts a *slog.Logger to the io.Writer schollz/progressbar
// renders onto, so progress output goes through the same structured
// logging sink as everything else instead of straight to a raw stream.
type progressWriter struct {
	logger *slog.Logger
}

func (w progressWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if msg != "" {
		w.logger.Debug(msg)
	}
	return len(p), nil
}
