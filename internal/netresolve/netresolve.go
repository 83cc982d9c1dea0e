// Package netresolve implements the Address Resolver (spec §4.1): pure,
// stateless address parsing/resolution and local interface enumeration.
// It generalizes the teacher's pkg/utils/network.go (GetLocalIP,
// GetOutboundIP) into the full literal-IP-or-DNS resolution the spec
// requires, following client.rs's resolve_address/get_network_interfaces
// from the original implementation.
package netresolve

import (
	"fmt"
	"net"
)

// Result is the outcome of resolving a hostname or literal address to
// one or more IPs.
type Result struct {
	Hostname string
	IPs      []string
	Success  bool
	Error    string
}

// Resolve parses address as a literal IPv4/IPv6 address first; if that
// fails it performs name resolution and returns every address found,
// both families. Callers must attempt every returned IP in order,
// because a hostname frequently resolves to addresses on more than one
// network (LAN plus an overlay VPN) and narrowing to one IP prematurely
// is a common failure mode.
func Resolve(address string) Result {
	if ip := net.ParseIP(address); ip != nil {
		return Result{Hostname: address, IPs: []string{ip.String()}, Success: true}
	}

	ips, err := net.LookupIP(address)
	if err != nil {
		return Result{Hostname: address, Success: false, Error: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if len(ips) == 0 {
		return Result{Hostname: address, Success: false, Error: "no ip addresses found"}
	}

	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return Result{Hostname: address, IPs: out, Success: true}
}

// Interface describes one local network interface.
type Interface struct {
	Name       string
	IP         string
	IsLoopback bool
}

// LocalInterfaces enumerates every non-down interface's addresses. The
// caller decides whether to filter loopback entries.
func LocalInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		isLoopback := iface.Flags&net.FlagLoopback != 0
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			out = append(out, Interface{Name: iface.Name, IP: ip.String(), IsLoopback: isLoopback || ip.IsLoopback()})
		}
	}
	return out, nil
}
