package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/relay"
)

// shutdownTimeout bounds the WebSocket HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	configFile   string
	envFile      string
	streamAddr   string
	datagramAddr string
	logLevel     string
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Example: `  # TCP on :1373 and UDP on :1234
  relay serve

  # Custom ports and debug logging
  relay serve --stream-addr :7000 --datagram-addr :7001 --log-level debug

  # Configuration file plus RELAY_* environment overrides
  RELAY_MAX_SESSIONS=1000 relay serve --config relay.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(f.configFile, f.envFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("stream-addr") {
				cfg.StreamAddr = f.streamAddr
			}
			if flags.Changed("datagram-addr") {
				cfg.DatagramAddr = f.datagramAddr
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = f.logLevel
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cmd.Context(), cfg, os.Stderr, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "Path to .env file (ignored when missing)")
	cmd.Flags().StringVar(&f.streamAddr, "stream-addr", "", "TCP listen address (empty disables)")
	cmd.Flags().StringVar(&f.datagramAddr, "datagram-addr", "", "UDP listen address (empty disables)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

// listeners holds everything opened for the broker, so a failed start can
// release what was already bound.
type listeners struct {
	opts    []relay.ServerOption
	closers []io.Closer
	ws      net.Listener
}

func (l *listeners) add(c io.Closer, opt relay.ServerOption) {
	l.closers = append(l.closers, c)
	if opt != nil {
		l.opts = append(l.opts, opt)
	}
}

func (l *listeners) close() {
	for _, c := range l.closers {
		c.Close()
	}
}

func openListeners(cfg *Config) (*listeners, error) {
	l := &listeners{}

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	if cfg.StreamAddr != "" {
		ln, err := net.Listen("tcp", cfg.StreamAddr)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen stream: %w", err)
		}
		l.add(ln, relay.WithListener(ln))
	}

	if cfg.DatagramAddr != "" {
		pc, err := net.ListenPacket("udp", cfg.DatagramAddr)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen datagram: %w", err)
		}
		l.add(pc, relay.WithPacketConn(pc))
	}

	if cfg.TLSAddr != "" {
		ln, err := tls.Listen("tcp", cfg.TLSAddr, tlsConfig)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen tls: %w", err)
		}
		l.add(ln, relay.WithListener(ln))
	}

	if cfg.QUICAddr != "" {
		ln, err := relay.NewQUICListener(cfg.QUICAddr, tlsConfig, nil)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen quic: %w", err)
		}
		l.add(ln, relay.WithListener(ln))
	}

	if cfg.UnixSocket != "" {
		ln, err := relay.NewUnixListener(cfg.UnixSocket)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen unix: %w", err)
		}
		l.add(ln, relay.WithListener(ln))
	}

	if cfg.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", cfg.WebSocketAddr)
		if err != nil {
			l.close()
			return nil, fmt.Errorf("listen websocket: %w", err)
		}
		l.add(ln, nil)
		l.ws = ln
	}

	return l, nil
}

// runServe runs the broker until ctx is canceled. Logs go to logOut; the
// final metrics snapshot goes to out.
func runServe(ctx context.Context, cfg *Config, logOut, out io.Writer) error {
	logger := relay.NewSlogLogger(logOut, relay.ParseLogLevel(cfg.LogLevel), relay.ParseLogFormat(cfg.LogFormat))
	metrics := relay.NewMemoryMetrics()

	l, err := openListeners(cfg)
	if err != nil {
		return err
	}

	opts := append(cfg.ServerOptions(), l.opts...)
	opts = append(opts,
		relay.WithServerLogger(logger),
		relay.WithServerMetrics(metrics),
	)

	srv := relay.NewServer(opts...)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	var httpServer *http.Server
	if l.ws != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.WebSocketPath, relay.NewWSHandler(srv))
		httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("listening", relay.LogFields{
			relay.LogFieldTransport: "websocket",
			relay.LogFieldAddr:      l.ws.Addr().String(),
		})

		go func() {
			if err := httpServer.Serve(l.ws); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	case runErr = <-errCh:
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	srv.Close()
	l.close()

	newPrinter(out).Metrics(metrics.Snapshot())

	if errors.Is(runErr, relay.ErrServerClosed) {
		return nil
	}
	return runErr
}
