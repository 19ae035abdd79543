// Package discovery advertises the relay on the local network over mDNS so
// LAN clients can find a board server without configuration.
package discovery

import (
	"net"
	"os"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"
)

// ServiceType is the DNS-SD service the relay registers.
const ServiceType = "_boardify._tcp"

// Advertiser owns a running mDNS responder.
type Advertiser struct {
	server *mdns.Server
}

// NewService builds the mDNS zone for the relay. Empty host uses the OS
// hostname; nil ips lets mdns resolve them from the hostname.
func NewService(instance, host string, port int, ips []net.IP) (*mdns.MDNSService, error) {
	if instance == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "could not get hostname")
		}
		instance = name
	}

	info := []string{"Boardify", "path=/ws"}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", host, port, ips, info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mDNS service")
	}
	return service, nil
}

// Advertise starts answering mDNS queries for the relay on port.
func Advertise(instance string, port int) (*Advertiser, error) {
	service, err := NewService(instance, "", port, nil)
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start mDNS server")
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}
