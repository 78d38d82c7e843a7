package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/telebridge/internal/app"
	"github.com/sebas/telebridge/internal/banner"
	"github.com/sebas/telebridge/internal/config"
	"github.com/sebas/telebridge/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "telebridge:", err)
		os.Exit(2)
	}

	// Initialize logger
	logFile := logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logFile.Close()

	bridge, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to create bridge", "error", err)
		os.Exit(1)
	}

	banner.Print("TELEPHONY BRIDGE", configLines(cfg))
	logNetworkInterfaces()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		slog.Error("Bridge stopped with error", "error", err)
		os.Exit(1)
	}
}

func configLines(cfg *config.Config) []banner.ConfigLine {
	lines := []banner.ConfigLine{
		{Label: "Platform", Value: cfg.Platform},
	}
	if cfg.Platform == config.PlatformSIP {
		sims := make([]string, 0, len(cfg.Trunks))
		for _, tr := range cfg.Trunks {
			sims = append(sims, fmt.Sprintf("sim%d=%s", tr.Sim, tr.URI))
		}
		lines = append(lines,
			banner.ConfigLine{Label: "SIP Listen", Value: net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.SIPPort)) + "/" + cfg.Transport},
			banner.ConfigLine{Label: "Advertise", Value: cfg.AdvertiseAddr},
			banner.ConfigLine{Label: "RTP Ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
			banner.ConfigLine{Label: "Trunks", Value: fmt.Sprint(sims)},
		)
	}
	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = "disabled"
	}
	return append(lines,
		banner.ConfigLine{Label: "gRPC", Value: cfg.GRPCAddr},
		banner.ConfigLine{Label: "HTTP API", Value: httpAddr},
		banner.ConfigLine{Label: "Probe", Value: cfg.ProbeSchedule},
		banner.ConfigLine{Label: "Log Level", Value: cfg.LogLevel},
	)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
