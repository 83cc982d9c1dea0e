package netresolve

import "testing"

func TestResolveLiteralIPv4(t *testing.T) {
	res := Resolve("127.0.0.1")
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if len(res.IPs) != 1 || res.IPs[0] != "127.0.0.1" {
		t.Fatalf("unexpected IPs: %v", res.IPs)
	}
}

func TestResolveLiteralIPv6(t *testing.T) {
	res := Resolve("::1")
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if len(res.IPs) != 1 || res.IPs[0] != "::1" {
		t.Fatalf("unexpected IPs: %v", res.IPs)
	}
}

func TestResolveLocalhostDNS(t *testing.T) {
	res := Resolve("localhost")
	if !res.Success {
		t.Fatalf("expected localhost to resolve, got error %q", res.Error)
	}
	if len(res.IPs) == 0 {
		t.Fatal("expected at least one resolved address")
	}
}

func TestLocalInterfacesIncludesLoopback(t *testing.T) {
	ifaces, err := LocalInterfaces()
	if err != nil {
		t.Fatalf("LocalInterfaces: %v", err)
	}

	var sawLoopback bool
	for _, iface := range ifaces {
		if iface.IsLoopback {
			sawLoopback = true
		}
	}
	if !sawLoopback {
		t.Skip("no loopback interface visible in this sandbox")
	}
}
