package account

import (
	"context"
	"fmt"
	"net"

	"github.com/ocslcs/sipsimple/internal/config"
	"github.com/ocslcs/sipsimple/internal/wire"
)

// srvOrder is the sequence of SRV services tried, in priority order:
// internal-TLS, internal-plain, external-TLS, external-plain.
var srvOrder = []struct {
	service   string
	proto     string
	transport wire.Transport
}{
	{"sipinternaltls", "tcp", wire.TransportTLS},
	{"sipinternal", "tcp", wire.TransportTCP},
	{"sip", "tls", wire.TransportTLS},
	{"sip", "tcp", wire.TransportTCP},
}

// resolveServer decides which host:port and transport to connect on. An
// explicit cfg.Server/Transport always wins; "auto" (or an empty server)
// falls back to SRV discovery over domain in the fixed priority order,
// and if every SRV lookup comes up empty, to the bare domain on TLS (or
// on the configured transport, when one other than TLS is set). Only one
// candidate is returned: TCP is not tried when the TLS connection fails.
func resolveServer(ctx context.Context, cfg *config.AccountConfig, domain string) (addr string, transport wire.Transport, err error) {
	if cfg.Server != "" && cfg.Transport != "auto" {
		t := wire.Transport(cfg.Transport)
		return fmt.Sprintf("%s:%d", cfg.Server, portOrDefault(cfg.Port, t)), t, nil
	}
	if cfg.Server != "" {
		// Server pinned but transport left to discovery: use TLS directly
		// against it, skipping SRV entirely; TCP is not tried.
		return fmt.Sprintf("%s:%d", cfg.Server, portOrDefault(cfg.Port, wire.TransportTLS)), wire.TransportTLS, nil
	}

	var resolver net.Resolver
	for _, candidate := range srvOrder {
		if cfg.Transport != "auto" && wire.Transport(cfg.Transport) != candidate.transport {
			continue
		}
		_, addrs, lookupErr := resolver.LookupSRV(ctx, candidate.service, candidate.proto, domain)
		if lookupErr != nil || len(addrs) == 0 {
			continue
		}
		target := addrs[0]
		host := trimTrailingDot(target.Target)
		return fmt.Sprintf("%s:%d", host, target.Port), candidate.transport, nil
	}

	// No SRV record resolved: fall back to the bare domain, TLS first.
	if cfg.Transport == "" || cfg.Transport == "auto" || cfg.Transport == "tls" {
		return fmt.Sprintf("%s:%d", domain, wire.TransportTLS.DefaultPort()), wire.TransportTLS, nil
	}
	t := wire.Transport(cfg.Transport)
	return fmt.Sprintf("%s:%d", domain, portOrDefault(cfg.Port, t)), t, nil
}

func portOrDefault(port int, t wire.Transport) int {
	if port > 0 {
		return port
	}
	return t.DefaultPort()
}

func trimTrailingDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}
