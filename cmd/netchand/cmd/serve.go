package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fenrir-net/netchan/internal/config"
	"github.com/fenrir-net/netchan/internal/logging"
	"github.com/fenrir-net/netchan/internal/metrics"
	"github.com/fenrir-net/netchan/internal/netchan"
	"github.com/fenrir-net/netchan/internal/registry"
	"github.com/fenrir-net/netchan/internal/transport"
)

var (
	serveHost string
	servePort int
	serveRate int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bind a UDP socket and serve channels",
	Long:  "Start the netchand host loop: bind a UDP socket, dispatch datagrams into per-peer channels, and serve Prometheus metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "override the configured listen host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override the configured listen port")
	serveCmd.Flags().IntVar(&serveRate, "rate", 0, "override the configured bandwidth choke rate")
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("load config", err)
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveRate != 0 {
		cfg.Rate = serveRate
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		exitWithError("parse log level", err)
	}
	logger := logging.New(os.Stdout, level)
	logging.SetDefault(logger)

	logging.Banner("netchand", "0.1.0")
	logging.Section("starting host loop")
	logging.Info("listening on %s, rate=%d bytes/sec", cfg.Addr(), cfg.Rate)

	sock, err := transport.Listen(cfg.Addr())
	if err != nil {
		exitWithError("bind socket", err)
		return err
	}
	defer sock.Close()

	reg := registry.New(cfg.Rate, nil)
	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)

	httpSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go recvLoop(sock, reg, cfg)
	go hostLoop(reg, m)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := reg.Shutdown(); err != nil {
		logging.Warn("teardown reported errors: %v", err)
	}
	return nil
}

// recvLoop is the teacher's Server.listen generalized to push every
// datagram through the registry's (addr, qport) dispatch instead of a
// single RakNetHandler.
func recvLoop(sock *transport.Socket, reg *registry.Registry, cfg config.Config) {
	buf := make([]byte, netchan.NetMaxPayload)
	for {
		addr, data, err := sock.RecvPacket(buf)
		if err != nil {
			logging.Warn("recv: %v", err)
			continue
		}
		qport := qportFromPacket(data)
		newHC := func() *netchan.HostContext {
			return &netchan.HostContext{
				Sender:        sock,
				ShowDrop:      cfg.ShowDrop,
				ChokeLoopback: cfg.ChokeLoopback,
			}
		}
		if _, _, err := reg.Dispatch(addr, qport, data, newHC); err != nil {
			if cfg.ShowDrop {
				logging.Debug("drop from %s: %v", addr, err)
			}
		}
	}
}

// qportFromPacket extracts the disambiguating qport word from a raw
// datagram's header, mirroring what Channel.Process reads for a
// server-role channel; a malformed/too-short packet is treated as qport 0
// and left to Process's own length checks to reject.
func qportFromPacket(data []byte) uint16 {
	if len(data) < 10 {
		return 0
	}
	return uint16(data[8]) | uint16(data[9])<<8
}

// hostLoop ticks the registry's transmit pass and stale-channel reaper on
// fixed intervals, grounded on the teacher's updateLoop/sessionCleanupLoop
// tickers, and sets the active-channel gauge each tick. It does not set the
// per-channel rate, cleartime or backlog gauges.
func hostLoop(reg *registry.Registry, m *metrics.Registry) {
	transmitTicker := time.NewTicker(50 * time.Millisecond)
	reapTicker := time.NewTicker(5 * time.Second)
	defer transmitTicker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-transmitTicker.C:
			if err := reg.Tick(time.Now()); err != nil {
				logging.Warn("tick: %v", err)
			}
			m.Channels.Set(float64(reg.Len()))
		case <-reapTicker.C:
			for _, id := range reg.Reap(time.Now(), registry.StaleTimeout) {
				m.Forget(id)
				logging.Debug("reaped stale channel %s", id)
			}
		}
	}
}
