// Package discovery advertises the hub's HTTP API over mDNS so dashboards
// on the LAN can find it without a configured address.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Service type and domain of the advertisement.
const (
	ServiceType = "_zwave-home._tcp"
	Domain      = "local."
)

// Config holds advertisement settings.
type Config struct {
	// Instance is the advertised instance name. Empty uses the hostname.
	Instance string
	// Listen is the web server address; its port is advertised.
	Listen string
	// Interface limits the advertisement to one network interface.
	Interface string
	Version   string
	APIKey    bool
}

// Advertiser publishes the web API until Stop.
type Advertiser struct {
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service.
func Advertise(cfg Config, logger *slog.Logger) (*Advertiser, error) {
	port, err := listenPort(cfg.Listen)
	if err != nil {
		return nil, err
	}
	instance := instanceName(cfg.Instance)

	var ifaces []net.Interface
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("mdns interface %s: %w", cfg.Interface, err)
		}
		ifaces = []net.Interface{*iface}
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txtRecords(cfg), ifaces)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	logger = logger.With("component", "mdns")
	if host, _, _ := net.SplitHostPort(cfg.Listen); isLoopback(host) {
		logger.Warn("advertising a loopback-only listener", "listen", cfg.Listen)
	}
	logger.Info("mdns service registered", "instance", instance, "type", ServiceType, "port", port)
	return &Advertiser{logger: logger, server: server}, nil
}

// Stop withdraws the advertisement. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("mdns service withdrawn")
	}
}

func listenPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: invalid port", listen)
	}
	return port, nil
}

func instanceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "zwave-home on " + host
	}
	return "zwave-home"
}

func txtRecords(cfg Config) []string {
	txt := []string{"path=/api", "ws=/ws"}
	if cfg.Version != "" {
		txt = append(txt, "version="+cfg.Version)
	}
	if cfg.APIKey {
		txt = append(txt, "auth=api_key")
	}
	return txt
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
