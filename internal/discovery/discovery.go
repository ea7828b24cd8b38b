// Package discovery finds BLE-bridge gateways on the local network via
// mDNS, for the CLI's "discover" subcommand. This is a supplementary
// command-line convenience (spec.md §11), never consulted by the C1-C4
// core engine, which always takes an explicit peripheral ID.
package discovery

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/libp2p/zeroconf/v2"
)

// Gateway describes a discovered BLE-bridge gateway advertised over mDNS.
type Gateway struct {
	Name string
	Host string
	Port int
}

const defaultService = "_gota-ble._tcp"

// Browser listens for mDNS announcements of BLE-bridge gateways, grounded
// on the teacher's Browser.ListenForAnnouncements (context-timeout +
// channel pipeline), simplified since this repo only needs the
// name/host/port triple rather than per-generation device settings.
type Browser struct {
	Domain   string
	Service  string
	WaitTime time.Duration
}

// Listen blocks for up to b.WaitTime collecting gateway announcements.
func (b *Browser) Listen(ctx context.Context) ([]Gateway, error) {
	domain := b.Domain
	if domain == "" {
		domain = "local"
	}
	service := b.Service
	if service == "" {
		service = defaultService
	}
	waitTime := b.WaitTime
	if waitTime == 0 {
		waitTime = 10 * time.Second
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	ctx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise mDNS resolver: %w", err)
	}

	var gateways []Gateway
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			gw := Gateway{Name: entry.Instance, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				gw.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				gw.Host = entry.AddrIPv6[0].String()
			}
			log.Debugf("discovered gateway %s at %s:%d", gw.Name, gw.Host, gw.Port)
			gateways = append(gateways, gw)
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for gateways: %w", err)
	}

	<-ctx.Done()
	close(entries)
	<-done

	return gateways, nil
}
