// Package config loads daemon settings from flags, the environment and the
// SIM trunk table.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Platform names accepted by -platform.
const (
	PlatformSIP      = "sip"
	PlatformLoopback = "loopback"
)

const envPrefix = "TELEBRIDGE_"

// Config holds the telebridge daemon configuration
type Config struct {
	// SIP settings
	Platform      string
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	Transport     string
	TrunksPath    string // Path to the ini SIM trunk table
	Trunks        []TrunkDef

	// Media settings
	RTPPortMin int
	RTPPortMax int

	// Surfaces
	GRPCAddr string
	HTTPAddr string

	// Service settings
	CommandTimeout time.Duration
	DrainTimeout   time.Duration
	HistoryTTL     time.Duration
	EventBuffer    int
	ProbeSchedule  string
	ProbeTimeout   time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load parses args (without the program name) and applies TELEBRIDGE_*
// environment overrides. A .env file in the working directory is loaded
// first when present.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("telebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.Platform, "platform", PlatformSIP, "Telephony platform (sip, loopback)")
	fs.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP and RTP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.Transport, "transport", "udp", "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.TrunksPath, "trunks", "resources/config/trunks.ini", "Path to the SIM trunk table")
	fs.IntVar(&cfg.RTPPortMin, "rtp-min", 20000, "Lowest RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-max", 20999, "Highest RTP port")
	fs.StringVar(&cfg.GRPCAddr, "grpc", "127.0.0.1:9090", "gRPC method/event channel address")
	fs.StringVar(&cfg.HTTPAddr, "http", "127.0.0.1:8080", "HTTP API address (empty disables)")
	fs.DurationVar(&cfg.CommandTimeout, "command-timeout", 10*time.Second, "Timeout for one platform operation")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", 10*time.Second, "Timeout for hanging up calls at shutdown")
	fs.DurationVar(&cfg.HistoryTTL, "history-ttl", 5*time.Minute, "How long terminated call ids are remembered")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", 64, "Event subscriber buffer size")
	fs.StringVar(&cfg.ProbeSchedule, "probe", "@every 30s", "Connectivity probe schedule (cron spec with seconds)")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", 3*time.Second, "Timeout for one connectivity probe")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "logfile", "", "Rotating log file (empty logs to stdout only)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	envString("PLATFORM", &cfg.Platform)
	envInt("PORT", &cfg.SIPPort)
	envString("BIND", &cfg.BindAddr)
	envString("ADVERTISE", &cfg.AdvertiseAddr)
	envString("TRANSPORT", &cfg.Transport)
	envString("TRUNKS", &cfg.TrunksPath)
	envInt("RTP_MIN", &cfg.RTPPortMin)
	envInt("RTP_MAX", &cfg.RTPPortMax)
	envString("GRPC_ADDR", &cfg.GRPCAddr)
	envString("HTTP_ADDR", &cfg.HTTPAddr)
	envDuration("COMMAND_TIMEOUT", &cfg.CommandTimeout)
	envDuration("DRAIN_TIMEOUT", &cfg.DrainTimeout)
	envDuration("HISTORY_TTL", &cfg.HistoryTTL)
	envInt("EVENT_BUFFER", &cfg.EventBuffer)
	envString("PROBE_SCHEDULE", &cfg.ProbeSchedule)
	envDuration("PROBE_TIMEOUT", &cfg.ProbeTimeout)
	envString("LOGLEVEL", &cfg.LogLevel)
	envString("LOGFILE", &cfg.LogFile)

	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Platform == PlatformSIP {
		trunks, err := LoadTrunks(cfg.TrunksPath)
		if err != nil {
			return nil, err
		}
		cfg.Trunks = trunks
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Platform {
	case PlatformSIP, PlatformLoopback:
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.SIPPort <= 0 || c.SIPPort > 65535 {
		return fmt.Errorf("invalid SIP port %d", c.SIPPort)
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMin >= c.RTPPortMax {
		return fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.GRPCAddr == "" {
		return errors.New("gRPC address required")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
