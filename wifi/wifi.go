// Package wifi drives the station side of an ESP8266: reset, scan, join
// and leave access points, and track association notifications.
package wifi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/espgw/at"
	"i4.energy/across/espgw/modem"
	"i4.energy/across/espgw/netdev"
)

const (
	// ResetTimeout bounds the reboot triggered by Reset.
	ResetTimeout = 5 * time.Second
	// ScanTimeout bounds a network scan.
	ScanTimeout = 10 * time.Second
	// JoinTimeout bounds joining an access point.
	JoinTimeout = 20 * time.Second
)

// Network is one access point found by Scan.
type Network struct {
	Security string `json:"security" yaml:"security"`
	SSID     string `json:"ssid" yaml:"ssid"`
	BSSID    string `json:"bssid" yaml:"bssid"`
	RSSI     int    `json:"rssi" yaml:"rssi"`
	Channel  int    `json:"channel" yaml:"channel"`
}

// Association is the access point the station is joined to.
type Association struct {
	SSID    string `json:"ssid" yaml:"ssid"`
	BSSID   string `json:"bssid" yaml:"bssid"`
	Channel int    `json:"channel,omitempty" yaml:"channel,omitempty"`
	RSSI    int    `json:"rssi,omitempty" yaml:"rssi,omitempty"`
}

// Controller manages the Wi-Fi association of one device. It writes the
// station addresses into the Iface it shares with the socket device.
type Controller struct {
	cmd    modem.Commander
	iface  *netdev.Iface
	logger *slog.Logger

	mu           sync.Mutex
	lastErr      error
	onAssociate  func()
	onConnect    func()
	onGotIP      func()
	onDisconnect func()
}

// New creates the controller and registers its notification handlers on
// cmd.
func New(cmd modem.Commander, iface *netdev.Iface, logger *slog.Logger) *Controller {
	if iface == nil {
		iface = &netdev.Iface{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cmd:    cmd,
		iface:  iface,
		logger: logger,
	}

	cmd.Handle(at.URCWifiConnected, func(at.Event) { c.fire(c.callback(&c.onAssociate)) })
	cmd.Handle(at.URCWifiGotIP, func(at.Event) { c.fire(c.callback(&c.onGotIP)) })
	cmd.Handle(at.URCWifiDisconnect, func(at.Event) {
		c.iface.Clear()
		c.fire(c.callback(&c.onDisconnect))
	})
	report := func(ev at.Event) { c.applyAddresses([]string{ev.Line}) }
	cmd.Handle(at.URCStationIP, report)
	cmd.Handle(at.URCStationMAC, report)

	return c
}

func (c *Controller) callback(slot *func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *slot
}

func (c *Controller) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *Controller) set(slot *func(), fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*slot = fn
}

// OnAssociate sets the callback fired on "WIFI CONNECTED".
func (c *Controller) OnAssociate(fn func()) { c.set(&c.onAssociate, fn) }

// OnConnect sets the callback fired after a successful Connect.
func (c *Controller) OnConnect(fn func()) { c.set(&c.onConnect, fn) }

// OnGotIP sets the callback fired on "WIFI GOT IP".
func (c *Controller) OnGotIP(fn func()) { c.set(&c.onGotIP, fn) }

// OnDisconnect sets the callback fired on "WIFI DISCONNECT", after the
// station addresses are cleared.
func (c *Controller) OnDisconnect(fn func()) { c.set(&c.onDisconnect, fn) }

func (c *Controller) record(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// LastError returns the result of the most recent operation.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) expectOK(ctx context.Context, cmd modem.Command) (modem.Reply, error) {
	reply, err := c.cmd.Exec(ctx, cmd)
	if err != nil {
		return reply, fmt.Errorf("%s: %w", cmd, err)
	}
	if !reply.OK() {
		return reply, fmt.Errorf("%s: answered %q", cmd, reply.Result)
	}
	return reply, nil
}

// Reset reboots the device and puts it back into multiplexed station
// mode. The reboot waits for the firmware's "ready"; every later step
// runs only if the previous one succeeded.
func (c *Controller) Reset(ctx context.Context) error {
	c.iface.Clear()

	reply, err := c.cmd.Exec(ctx, modem.Command{
		Line:        at.CmdReset,
		Terminators: at.ResetTerminators,
		Timeout:     ResetTimeout,
	})
	if err != nil {
		return c.record(fmt.Errorf("%w: reset: %w", netdev.ErrIO, err))
	}
	if reply.Result != at.Ready {
		return c.record(fmt.Errorf("%w: reset answered %q", netdev.ErrIO, reply.Result))
	}

	// Echo comes back on after a reboot
	for _, line := range []string{at.CmdEchoOff, at.CmdStationMode, at.CmdMultiplex} {
		if _, err := c.expectOK(ctx, modem.Command{Line: line}); err != nil {
			return c.record(fmt.Errorf("%w: %w", netdev.ErrIO, err))
		}
	}
	return c.record(nil)
}

// Scan lists the access points in range. Entries that cannot be parsed
// are logged and skipped.
func (c *Controller) Scan(ctx context.Context) ([]Network, error) {
	reply, err := c.expectOK(ctx, modem.Command{Line: at.CmdScan, Timeout: ScanTimeout})
	if err != nil {
		return nil, c.record(fmt.Errorf("%w: %w", netdev.ErrIO, err))
	}

	networks := []Network{}
	for _, line := range reply.Lines {
		if !strings.HasPrefix(line, at.RespScan) {
			continue
		}
		n, err := parseNetwork(line)
		if err != nil {
			c.logger.Warn("Malformed scan entry", "line", line, "error", err)
			continue
		}
		networks = append(networks, n)
	}
	return networks, c.record(nil)
}

// Connect joins the access point ssid and reads back the station
// addresses. An empty password joins an open network.
func (c *Controller) Connect(ctx context.Context, ssid, password string) error {
	reply, err := c.cmd.Exec(ctx, modem.Command{Line: at.CmdJoin(ssid, password), Timeout: JoinTimeout})
	if err != nil {
		return c.record(fmt.Errorf("%w: join %q: %w", netdev.ErrConnectionRefused, ssid, err))
	}
	if !reply.OK() {
		if reason := joinFailure(reply.Lines); reason != "" {
			return c.record(fmt.Errorf("%w: join %q: %s", netdev.ErrConnectionRefused, ssid, reason))
		}
		return c.record(fmt.Errorf("%w: join %q answered %q", netdev.ErrConnectionRefused, ssid, reply.Result))
	}

	reply, err = c.expectOK(ctx, modem.Command{Line: at.CmdAddresses})
	if err != nil {
		return c.record(fmt.Errorf("%w: %w", netdev.ErrConnectionRefused, err))
	}
	c.applyAddresses(reply.Lines)

	c.fire(c.callback(&c.onConnect))
	return c.record(nil)
}

func (c *Controller) applyAddresses(lines []string) {
	for _, line := range lines {
		if ip, ok := quotedValue(line, at.RespStationIP); ok {
			c.iface.SetIP(ip)
		} else if mac, ok := quotedValue(line, at.RespStationMAC); ok {
			c.iface.SetMAC(mac)
		} else if strings.HasPrefix(line, at.RespStationIP) || strings.HasPrefix(line, at.RespStationMAC) {
			c.logger.Warn("Malformed address report", "line", line)
		}
	}
}

// Disconnect leaves the current access point.
func (c *Controller) Disconnect(ctx context.Context) error {
	if _, err := c.expectOK(ctx, modem.Command{Line: at.CmdQuit}); err != nil {
		return c.record(fmt.Errorf("%w: %w", netdev.ErrIO, err))
	}
	c.iface.Clear()
	return c.record(nil)
}

// Association returns the access point the station is joined to, or nil
// when it is not associated.
func (c *Controller) Association(ctx context.Context) (*Association, error) {
	reply, err := c.expectOK(ctx, modem.Command{Line: at.CmdJoinQuery})
	if err != nil {
		return nil, c.record(fmt.Errorf("%w: %w", netdev.ErrIO, err))
	}

	var current *Association
	for _, line := range reply.Lines {
		if !strings.HasPrefix(line, at.RespJoin) {
			continue
		}
		a, err := parseAssociation(line)
		if err != nil {
			c.logger.Warn("Malformed association", "line", line, "error", err)
			continue
		}
		current = a
	}
	return current, c.record(nil)
}

// Addresses refreshes the station address, gateway, netmask and DNS
// server and returns them. The DNS query is best effort.
func (c *Controller) Addresses(ctx context.Context) (netdev.Addresses, error) {
	reply, err := c.expectOK(ctx, modem.Command{Line: at.CmdStationAddr})
	if err != nil {
		return netdev.Addresses{}, c.record(fmt.Errorf("%w: %w", netdev.ErrIO, err))
	}

	var netmask, gateway string
	for _, line := range reply.Lines {
		rest, ok := strings.CutPrefix(line, at.RespStationAddr)
		if !ok {
			continue
		}
		key, value, _ := strings.Cut(rest, ":")
		v, err := unquote(value)
		if err != nil {
			c.logger.Warn("Malformed station address", "line", line, "error", err)
			continue
		}
		switch key {
		case "ip":
			c.iface.SetIP(v)
		case "gateway":
			gateway = v
		case "netmask":
			netmask = v
		}
	}

	var dns string
	if reply, err := c.expectOK(ctx, modem.Command{Line: at.CmdDNSQuery}); err != nil {
		c.logger.Debug("DNS query failed", "error", err)
	} else {
		for _, line := range reply.Lines {
			if v, ok := strings.CutPrefix(line, at.RespDNS); ok && dns == "" {
				dns = strings.Trim(v, `"`)
			}
		}
	}

	c.iface.SetRoute(netmask, gateway, dns)
	return c.iface.Snapshot(), c.record(nil)
}
