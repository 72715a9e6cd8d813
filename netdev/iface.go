package netdev

import "sync"

// Iface is the device-wide interface state shared between the socket
// device and the Wi-Fi controller. The Wi-Fi controller writes the
// addresses; the socket device only reads them.
type Iface struct {
	mu      sync.RWMutex
	ip      string
	mac     string
	subnet  string
	dns     string
	gateway string
}

// Addresses is a snapshot of Iface. Empty fields are unknown.
type Addresses struct {
	IP      string `json:"ip,omitempty" yaml:"ip,omitempty"`
	MAC     string `json:"mac,omitempty" yaml:"mac,omitempty"`
	Subnet  string `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	DNS     string `json:"dns,omitempty" yaml:"dns,omitempty"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
}

func (i *Iface) Snapshot() Addresses {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Addresses{IP: i.ip, MAC: i.mac, Subnet: i.subnet, DNS: i.dns, Gateway: i.gateway}
}

func (i *Iface) IP() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ip
}

func (i *Iface) SetIP(ip string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ip = ip
}

func (i *Iface) SetMAC(mac string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mac = mac
}

// SetRoute records the subnet mask, gateway and DNS server. Empty values
// leave the current setting unchanged.
func (i *Iface) SetRoute(subnet, gateway, dns string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if subnet != "" {
		i.subnet = subnet
	}
	if gateway != "" {
		i.gateway = gateway
	}
	if dns != "" {
		i.dns = dns
	}
}

// Clear forgets the station addresses after the access point is lost.
func (i *Iface) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ip = ""
	i.mac = ""
}
