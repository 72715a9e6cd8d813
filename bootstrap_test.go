package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"i4.energy/across/espgw/modem"
	"i4.energy/across/espgw/netdev"
)

type dialerFunc func(ctx context.Context) (modem.Transport, error)

func (f dialerFunc) Dial(ctx context.Context) (modem.Transport, error) { return f(ctx) }

// scriptedDevice answers like a freshly powered ESP8266. Commands listed
// in fail are answered with ERROR.
func scriptedDevice(fail ...string) *modem.TestTransport {
	tr := modem.NewTestTransport()
	tr.OnWrite = func(p []byte) {
		cmd := strings.TrimSuffix(string(p), "\r\n")
		for _, f := range fail {
			if cmd == f {
				tr.SendData("\r\nERROR\r\n")
				return
			}
		}
		switch {
		case cmd == "AT+RST":
			tr.SendData("\r\nOK\r\n\r\n ets Jan  8 2013,rst cause:2, boot mode:(3,6)\r\n\r\nready\r\n")
		case strings.HasPrefix(cmd, "AT+CWJAP="):
			tr.SendData("WIFI CONNECTED\r\nWIFI GOT IP\r\n\r\nOK\r\n")
		case cmd == "AT+CIFSR":
			tr.SendData("+CIFSR:STAIP,\"192.168.1.5\"\r\n+CIFSR:STAMAC,\"5c:cf:7f:01:02:03\"\r\n\r\nOK\r\n")
		default:
			tr.SendData("\r\nOK\r\n")
		}
	}
	return tr
}

func startScripted(t *testing.T, tr *modem.TestTransport, config *Config) (*Gateway, error) {
	t.Helper()
	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(dialerFunc(func(context.Context) (modem.Transport, error) { return tr, nil })).
		WithATTimeout(time.Second).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return start(context.Background(), modemConfig, config, logger)
}

func TestStart(t *testing.T) {
	t.Run("Resets and joins the configured access point", func(t *testing.T) {
		tr := scriptedDevice()
		g, err := startScripted(t, tr, &Config{WifiSSID: "HomeNet", WifiPassword: "secret"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := g.Iface.Snapshot(); got.IP != "192.168.1.5" || got.MAC != "5c:cf:7f:01:02:03" {
			t.Errorf("unexpected addresses %+v", got)
		}

		var sent []string
		for _, w := range tr.Written() {
			sent = append(sent, strings.TrimSuffix(string(w), "\r\n"))
		}
		want := []string{
			"AT", "ATE0",
			"AT+RST", "ATE0", "AT+CWMODE=1", "AT+CIPMUX=1",
			`AT+CWJAP="HomeNet","secret"`, "AT+CIFSR",
		}
		if strings.Join(sent, "|") != strings.Join(want, "|") {
			t.Errorf("expected %v, got %v", want, sent)
		}

		if err := g.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("Without an access point", func(t *testing.T) {
		g, err := startScripted(t, scriptedDevice(), &Config{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g.Iface.IP() != "" {
			t.Errorf("expected no address, got %q", g.Iface.IP())
		}
		if err := g.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	t.Run("Reset failure closes the device", func(t *testing.T) {
		tr := scriptedDevice("AT+CIPMUX=1")
		if _, err := startScripted(t, tr, &Config{}); !errors.Is(err, netdev.ErrIO) {
			t.Fatalf("expected ErrIO, got %v", err)
		}
		if _, err := tr.Write([]byte("AT\r\n")); err == nil {
			t.Error("expected the transport to be closed")
		}
	})

	t.Run("Join failure closes the device", func(t *testing.T) {
		tr := scriptedDevice(`AT+CWJAP="HomeNet","nope"`)
		_, err := startScripted(t, tr, &Config{WifiSSID: "HomeNet", WifiPassword: "nope"})
		if !errors.Is(err, netdev.ErrConnectionRefused) {
			t.Fatalf("expected ErrConnectionRefused, got %v", err)
		}
	})
}
