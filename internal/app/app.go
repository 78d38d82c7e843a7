// Package app wires the telephony platform, service, gateway and surfaces
// into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/telebridge/internal/config"
	"github.com/sebas/telebridge/internal/events"
	"github.com/sebas/telebridge/internal/gateway"
	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/metrics"
	"github.com/sebas/telebridge/internal/platform"
	"github.com/sebas/telebridge/internal/platform/loopback"
	"github.com/sebas/telebridge/internal/platform/sipua"
	"github.com/sebas/telebridge/internal/receiver"
	"github.com/sebas/telebridge/internal/service"
	"github.com/sebas/telebridge/internal/transport/grpcchan"
	"github.com/sebas/telebridge/internal/transport/httpapi"
)

// Bridge is the assembled daemon.
type Bridge struct {
	cfg     *config.Config
	log     *slog.Logger
	tel     platform.Telephony
	sink    *events.Sink
	svc     *service.Service
	gw      *gateway.Gateway
	recv    *receiver.Receiver
	monitor *receiver.Monitor
	metrics *metrics.Metrics
	grpc    *grpcchan.Server
	http    *httpapi.Server
}

// New builds every component. Nothing listens until Run.
func New(cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	if log == nil {
		log = slog.Default()
	}

	tel, err := newTelephony(cfg, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	sink := events.NewSink(
		events.WithDropHook(m.ObserveDrop),
		events.WithSinkLogger(log),
	)
	pub := events.NewMultiPublisher(sink, events.NewLoggingPublisher(log), m.Publisher())

	svcCfg := service.DefaultConfig()
	svcCfg.CommandTimeout = cfg.CommandTimeout
	svcCfg.DrainTimeout = cfg.DrainTimeout
	svcCfg.HistoryTTL = cfg.HistoryTTL
	svc := service.New(svcCfg, tel, pub, log)
	m.TrackCalls(svc.Len)

	gw := gateway.New(svc, sink, gateway.WithObserver(m.ObserveMethod), gateway.WithLogger(log))
	recv := receiver.New(pub, log)

	b := &Bridge{
		cfg:     cfg,
		log:     log,
		tel:     tel,
		sink:    sink,
		svc:     svc,
		gw:      gw,
		recv:    recv,
		monitor: receiver.NewMonitor(tel, recv, cfg.ProbeSchedule, cfg.ProbeTimeout, log),
		metrics: m,
	}

	grpcCfg := grpcchan.DefaultServerConfig()
	grpcCfg.Address = cfg.GRPCAddr
	grpcCfg.EventBuffer = cfg.EventBuffer
	b.grpc = grpcchan.NewServer(gw, grpcCfg)

	if cfg.HTTPAddr != "" {
		b.http = httpapi.NewServer(httpapi.Config{
			Address:     cfg.HTTPAddr,
			EventBuffer: cfg.EventBuffer,
		}, gw, svc, recv, m.Handler())
	}
	return b, nil
}

func newTelephony(cfg *config.Config, log *slog.Logger) (platform.Telephony, error) {
	switch cfg.Platform {
	case config.PlatformLoopback:
		return loopback.New(loopback.Options{Logger: log}), nil

	case config.PlatformSIP:
		trunks := make([]sipua.Trunk, 0, len(cfg.Trunks))
		for _, def := range cfg.Trunks {
			tr, err := sipua.NewTrunk(def.Sim, def.URI, def.User, def.DisplayName, def.Codec)
			if err != nil {
				return nil, fmt.Errorf("trunk sim%d: %w", def.Sim, err)
			}
			trunks = append(trunks, tr)
		}
		mgr := media.NewManager(media.Config{
			BindAddr: cfg.BindAddr,
			PortMin:  cfg.RTPPortMin,
			PortMax:  cfg.RTPPortMax,
			Logger:   log,
		})
		return sipua.New(sipua.Config{
			BindAddr:      cfg.BindAddr,
			AdvertiseAddr: cfg.AdvertiseAddr,
			Port:          cfg.SIPPort,
			Transport:     cfg.Transport,
			Trunks:        trunks,
			Media:         mgr,
			ProbeTimeout:  cfg.ProbeTimeout,
			Logger:        log,
		})
	}
	return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
}

// Gateway returns the method and event channel gateway.
func (b *Bridge) Gateway() *gateway.Gateway {
	return b.gw
}

// Run serves until ctx is cancelled or a surface fails. Remaining calls are
// hung up before the platform is closed.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.svc.Run(ctx) })
	g.Go(func() error { return b.grpc.Serve(ctx) })
	if b.http != nil {
		g.Go(func() error { return b.http.Serve(ctx) })
	}
	g.Go(func() error { return b.monitor.Run(ctx) })

	err := g.Wait()
	b.gw.Cancel()
	if cerr := b.tel.Close(); cerr != nil {
		b.log.Warn("[App] Platform close failed", "error", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	b.log.Info("[App] Bridge stopped")
	return nil
}
