// xmuxd is the xmux daemon.
//
// It multiplexes proxy interfaces over the lower links, answers the switch
// daemon on the sideband and relays kernel interface, address, route and
// neighbor events to it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/psaab/xmux/pkg/config"
	"github.com/psaab/xmux/pkg/daemon"
	"github.com/psaab/xmux/pkg/dataplane"
	"github.com/psaab/xmux/pkg/logging"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "cleanup":
			os.Exit(cleanup(os.Args[2:]))
		case "counters":
			os.Exit(counters(os.Args[2:]))
		}
	}

	configFile := flag.String("config", "/etc/xmux/xmuxd.yaml", "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (- to disable)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health listen address (- to disable)")
	logSpec := flag.String("log-level", "info", "log level, with optional component overrides (info,sideband=debug)")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Flags given on the command line take precedence over the config
	// file's log section.
	var logFlags bool
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level", "log-format", "debug":
			logFlags = true
		}
	})
	spec, err := logging.ParseSpec(*logSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmuxd: -log-level: %v\n", err)
		os.Exit(2)
	}
	if *debug {
		spec.Base = slog.LevelDebug
	}
	h, err := logging.NewHandler(os.Stderr, spec, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmuxd: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(h))

	opts := daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
	}
	if logFlags {
		opts.LogHandler = h
	}
	d := daemon.New(opts)

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "xmuxd: %v\n", err)
		os.Exit(1)
	}
}

// cleanup removes the pinned proxy map left by a previous run.
func cleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configFile := fs.String("config", "/etc/xmux/xmuxd.yaml", "configuration file path")
	fs.Parse(args)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		return 1
	}
	if cfg.BPF.PinPath == "" {
		fmt.Println("no proxy map configured")
		return 0
	}
	if err := dataplane.Cleanup(cfg.BPF.PinPath); err != nil {
		fmt.Fprintf(os.Stderr, "cleanup: %v\n", err)
		return 1
	}
	fmt.Println("pinned proxy map removed")
	return 0
}

// counters prints the nonzero event counters of a running daemon.
func counters(args []string) int {
	fs := flag.NewFlagSet("counters", flag.ExitOnError)
	addr := fs.String("api-addr", config.DefaultAPIAddr, "xmuxd HTTP API address")
	key := fs.String("api-key", os.Getenv("XMUX_API_KEY"), "API key")
	all := fs.Bool("all", false, "include zero counters")
	fs.Parse(args)

	req, err := http.NewRequest(http.MethodGet, "http://"+*addr+"/api/v1/counters", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "counters: %v\n", err)
		return 1
	}
	if *key != "" {
		req.Header.Set("X-API-Key", *key)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "counters: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body struct {
		Success bool              `json:"success"`
		Data    map[string]uint64 `json:"data"`
		Error   string            `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(os.Stderr, "counters: %s: %v\n", resp.Status, err)
		return 1
	}
	if !body.Success {
		fmt.Fprintf(os.Stderr, "counters: %s: %s\n", resp.Status, body.Error)
		return 1
	}

	names := make([]string, 0, len(body.Data))
	for n, v := range body.Data {
		if v != 0 || *all {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("%-24s %d\n", n, body.Data[n])
	}
	return 0
}
