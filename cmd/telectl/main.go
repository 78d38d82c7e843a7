// Command telectl drives a telebridge daemon over its gRPC channels.
//
//	telectl [-addr host:port] invoke <method> [json-args]
//	telectl [-addr host:port] listen
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/gateway"
	"github.com/sebas/telebridge/internal/transport/grpcchan"
)

func main() {
	cfg := grpcchan.DefaultClientConfig()
	flag.StringVar(&cfg.Address, "addr", cfg.Address, "telebridge gRPC address")
	timeout := flag.Duration("timeout", 15*time.Second, "Invoke timeout")
	flag.Usage = usage
	flag.Parse()

	if env := os.Getenv("TELEBRIDGE_GRPC_ADDR"); env != "" && !flagSet("addr") {
		cfg.Address = env
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client, err := grpcchan.Dial(cfg)
	if err != nil {
		fail(err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "invoke":
		if len(args) < 2 || len(args) > 3 {
			usage()
			os.Exit(2)
		}
		var arguments any
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &arguments); err != nil {
				fail(fmt.Errorf("invalid json-args: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()

		res, err := client.Invoke(ctx, args[1], arguments)
		if err != nil {
			fail(err)
		}
		printJSON(res)
		if !res.IsSuccess() {
			os.Exit(1)
		}

	case "listen":
		err := client.Listen(ctx, func(e types.Event) {
			printJSON(e)
		})
		if err != nil {
			fail(err)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printJSON(v any) {
	out, err := json.Marshal(v)
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "telectl:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: telectl [flags] invoke <method> [json-args]\n       telectl [flags] listen\n\nmethods:\n  %s\n\nflags:\n",
		strings.Join(gateway.Methods(), "\n  "))
	flag.PrintDefaults()
}
