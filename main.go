package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/espgw/netdev"
	"i4.energy/across/espgw/wifi"
)

var (
	cfgFile      string
	outputFormat string

	// Set during PersistentPreRunE
	config *Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "espgw",
	Short: "ESP8266 Wi-Fi and socket gateway",
	Long: `espgw drives an ESP8266 running the AT firmware over a serial port.
It joins access points and opens TCP/UDP links through the module, either
as one-shot commands or behind an HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = LoadConfig(WithDefaults(), WithFile(cfgFile), WithEnv(), WithFlags(cmd.Flags()))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = newLogger(config.LogLevel)
		return nil
	},
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := Bootstrap(cmd.Context(), config, logger)
		if err != nil {
			return err
		}

		logger.Info("Starting ESP gateway", "serial_port", config.SerialPort)

		httpServer := &http.Server{
			Addr: config.BindAddress,
			Handler: &Server{
				Logger: logger.With("component", "server"),
				Wifi:   g.Wifi,
				Device: g.Device,
			},
		}

		// Channel to listen for interrupt signals
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()

		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig)
		case err := <-serveErr:
			logger.Error("HTTP server failed", "error", err)
			g.Close()
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}

		logger.Info("Closing device connection")
		return g.Close()
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the access points in range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, g *Gateway) (any, error) {
			return g.Wifi.Scan(ctx)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <ssid> [password]",
	Short: "Join an access point and print the station addresses",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 2 {
			password = args[1]
		}
		return withGateway(cmd, func(ctx context.Context, g *Gateway) (any, error) {
			if err := g.Wifi.Connect(ctx, args[0], password); err != nil {
				return nil, err
			}
			return g.Wifi.Addresses(ctx)
		})
	},
}

// status is what the status command prints.
type status struct {
	Association *wifi.Association `json:"association" yaml:"association"`
	Interface   netdev.Addresses  `json:"interface" yaml:"interface"`
	Sockets     []netdev.Socket   `json:"sockets" yaml:"sockets"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the association, addresses and open links",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(cmd, func(ctx context.Context, g *Gateway) (any, error) {
			var (
				s   status
				err error
			)
			if s.Association, err = g.Wifi.Association(ctx); err != nil {
				return nil, err
			}
			if s.Interface, err = g.Wifi.Addresses(ctx); err != nil {
				return nil, err
			}
			if s.Sockets, err = g.Device.Status(ctx); err != nil {
				return nil, err
			}
			return s, nil
		})
	},
}

// withGateway brings the device up, runs fn and prints its result.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, g *Gateway) (any, error)) error {
	ctx := cmd.Context()
	g, err := Bootstrap(ctx, config, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	v, err := fn(ctx, g)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), outputFormat, v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("serial-port", "/dev/ttyUSB0", "Serial port of the ESP8266")
	rootCmd.PersistentFlags().Int("baud-rate", 115200, "Baud rate for serial communication")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("at-timeout", 5*time.Second, "Timeout of a single AT command")

	serveCmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")

	for _, c := range []*cobra.Command{scanCmd, joinCmd, statusCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml, json")
	}

	rootCmd.AddCommand(serveCmd, scanCmd, joinCmd, statusCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
