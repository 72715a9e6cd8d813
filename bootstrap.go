package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.bug.st/serial"

	"i4.energy/across/espgw/modem"
	"i4.energy/across/espgw/netdev"
	"i4.energy/across/espgw/wifi"
)

// Gateway is a running ESP8266 with its socket device and Wi-Fi
// controller sharing one interface.
type Gateway struct {
	Modem  *modem.Modem
	Iface  *netdev.Iface
	Device *netdev.Device
	Wifi   *wifi.Controller

	cancel   context.CancelFunc
	loopDone chan error
}

// Bootstrap dials the device, starts its read loop and resets it into
// multiplexed station mode. When the configuration names an access
// point it is joined as well.
func Bootstrap(ctx context.Context, config *Config, logger *slog.Logger) (*Gateway, error) {
	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithLogger(logger.With("component", "modem")).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			Mode:     &serial.Mode{BaudRate: config.BaudRate},
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("modem config: %w", err)
	}

	return start(ctx, modemConfig, config, logger)
}

func start(ctx context.Context, modemConfig modem.Config, config *Config, logger *slog.Logger) (*Gateway, error) {
	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return nil, fmt.Errorf("create modem: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Modem:    m,
		Iface:    &netdev.Iface{},
		cancel:   cancel,
		loopDone: make(chan error, 1),
	}
	g.Device = netdev.New(m, g.Iface, logger.With("component", "netdev"))
	g.Wifi = wifi.New(m, g.Iface, logger.With("component", "wifi"))

	g.Wifi.OnAssociate(func() { logger.Info("Associated with access point") })
	g.Wifi.OnGotIP(func() { logger.Info("Station address assigned") })
	g.Wifi.OnDisconnect(func() { logger.Warn("Disassociated from access point") })

	go func() { g.loopDone <- m.Loop(loopCtx) }()

	if err := g.Wifi.Reset(ctx); err != nil {
		g.Close()
		return nil, fmt.Errorf("reset device: %w", err)
	}

	if config.WifiSSID != "" {
		if err := g.Wifi.Connect(ctx, config.WifiSSID, config.WifiPassword); err != nil {
			g.Close()
			return nil, fmt.Errorf("join %q: %w", config.WifiSSID, err)
		}
		logger.Info("Joined access point", "ssid", config.WifiSSID, "ip", g.Iface.IP())
	}

	return g, nil
}

// Close stops the read loop and closes the device.
func (g *Gateway) Close() error {
	g.cancel()
	err := g.Modem.Close()
	if errors.Is(err, modem.ErrAlreadyClosed) {
		err = nil
	}
	if loopErr := <-g.loopDone; loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return errors.Join(err, loopErr)
	}
	return err
}
