// Package mdnsclient wraps github.com/hashicorp/mdns to give the discovery
// engine a context-cancellable query and a service advertiser for the
// openevse._tcp service type, used both for probing the LAN and for
// advertising this node's own record.
package mdnsclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the well-known mDNS service type this module both
// advertises and queries for.
const ServiceType = "openevse"

// Record is one discovered peer, with TXT records preserved verbatim so the
// diagnostic API can pass them through unchanged.
type Record struct {
	Host string
	IP   string
	Port int
	TXT  map[string]string
}

// Query performs one non-blocking-from-the-caller's-perspective mDNS
// service query, bounded by ctx (or the given timeout, whichever is
// shorter), and returns the raw entries found.
func Query(ctx context.Context, timeout time.Duration) ([]Record, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 32)

	params := mdns.DefaultParams(fmt.Sprintf("_%s._tcp", ServiceType))
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = false

	done := make(chan error, 1)

	go func() {
		done <- mdns.Query(params)
		close(entriesCh)
	}()

	var records []Record

	for {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		case entry, ok := <-entriesCh:
			if !ok {
				return records, nil
			}

			records = append(records, entryToRecord(entry))
		case err := <-done:
			if err != nil {
				return records, fmt.Errorf("mdns query: %w", err)
			}
		}
	}
}

func entryToRecord(entry *mdns.ServiceEntry) Record {
	ip := entry.AddrV4.String()
	if entry.AddrV4 == nil && entry.AddrV6 != nil {
		ip = entry.AddrV6.String()
	}

	rec := Record{
		Host: entry.Host,
		IP:   ip,
		Port: entry.Port,
		TXT:  map[string]string{},
	}

	for _, field := range entry.InfoFields {
		if i := indexOfEquals(field); i >= 0 {
			rec.TXT[field[:i]] = field[i+1:]
		}
	}

	return rec
}

func indexOfEquals(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return i
		}
	}

	return -1
}

// Advertiser advertises this node's own openevse._tcp service record.
type Advertiser struct {
	server *mdns.Server
}

// Advertise starts advertising instance (usually the node's hostname) on
// port, with the given TXT records, and returns a handle the caller must
// Close on shutdown.
func Advertise(instance string, port int, txt []string, ips []net.IP) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		host = instance
	}

	svc, err := mdns.NewMDNSService(instance, fmt.Sprintf("_%s._tcp", ServiceType), "", host+".", port, ips, txt)
	if err != nil {
		return nil, fmt.Errorf("construct mdns service record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("start mdns server: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Close shuts down the advertiser.
func (a *Advertiser) Close() error {
	return a.server.Shutdown()
}
