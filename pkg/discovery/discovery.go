package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/file-transfer/pkg/logger"
)

const (
	// ServiceType is the mDNS service type of a file transfer server.
	ServiceType = "_file-transfer._udp"
	// Domain is the local domain for mDNS
	Domain = "local."
)

// ServiceInfo describes a discovered server.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr returns host:port of the first advertised address.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser announces a running server.
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver finds servers on the local network.
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// DefaultInstanceName is derived from the host name.
func DefaultInstanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "file-transfer"
	}
	return fmt.Sprintf("file-transfer-%s", hostname)
}

// Start registers the service; an empty instanceName uses DefaultInstanceName.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		instanceName = DefaultInstanceName()
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, encodeTXT(meta), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server
	logger.Sugar.Infof("[Discovery] advertising: instance=%s port=%d", instanceName, port)
	return nil
}

func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse streams discovered servers until ctx is done.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := fromEntry(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         decodeTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}

// encodeTXT renders meta as key=value records in key order.
func encodeTXT(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+meta[k])
	}
	return records
}

func decodeTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok && k != "" {
			meta[k] = v
		}
	}
	return meta
}
