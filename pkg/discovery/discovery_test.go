package discovery

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestTXTRecords(t *testing.T) {
	meta := map[string]string{"version": "1.0.0", "proto": "cbor", "storage": "a=b"}

	records := encodeTXT(meta)
	want := []string{"proto=cbor", "storage=a=b", "version=1.0.0"}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("records = %v, want %v", records, want)
	}
	if got := decodeTXT(append(records, "junk", "=empty")); !reflect.DeepEqual(got, meta) {
		t.Errorf("decoded = %v, want %v", got, meta)
	}
}

func TestFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("srv", ServiceType, Domain)
	entry.HostName = "box.local."
	entry.Port = 7000
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"version=1.0.0"}

	info := fromEntry(entry)
	if info.Addr() != "192.168.1.20:7000" {
		t.Errorf("Addr = %q", info.Addr())
	}
	if info.Meta["version"] != "1.0.0" {
		t.Errorf("meta = %v", info.Meta)
	}
	if (&ServiceInfo{Port: 1}).Addr() != "" {
		t.Error("Addr without IPs should be empty")
	}
}

func TestDiscovery(t *testing.T) {
	// Multicast is often unavailable in CI containers.
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	meta := map[string]string{"test": "true"}
	port := 12345

	if err := advertiser.Start("test-service", port, meta); err != nil {
		t.Skipf("mDNS unavailable: %v", err)
	}
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	if err != nil {
		t.Skipf("mDNS resolver unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		t.Fatalf("Failed to browse: %v", err)
	}

	found := false
	for info := range ch {
		if info.Port == port && info.Meta["test"] == "true" {
			found = true
			if len(info.IPs) == 0 {
				t.Error("Discovered service has no IPs")
			}
			break
		}
	}
	if !found {
		t.Skip("service not discovered; multicast likely filtered")
	}
}
