package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/KevAligo/synscan/internal/hostenv"
	"github.com/KevAligo/synscan/internal/synscan"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	target := fs.String("target", "", "destination host or address to scan (required)")
	ports := fs.String("ports", "", "port range to scan, e.g. \"22,80,1000-2000\" (default: the host's configured port-range preference)")
	discoverRTT := fs.Bool("discover-rtt", false, "seed the RTT estimator from a short beacon probe before scanning")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *target == "" {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dst, err := resolveTarget(*target)
	if err != nil {
		logger.Error("synscan: resolve target", "target", *target, "error", err)
		os.Exit(1)
	}

	host := hostenv.New(logger)
	if *ports != "" {
		host.SetPortRangePreference(*ports)
	}

	cfg := synscan.Config{
		Hostname:    *target,
		PortRange:   *ports,
		Destination: dst,
		Logger:      logger,
	}

	if *discoverRTT {
		rtt, err := synscan.DiscoverRTT(host, dst)
		if err != nil {
			logger.Error("synscan: RTT discovery failed, continuing with saturation default", "error", err)
		} else {
			cfg.InitialRTT = rtt
			logger.Debug("synscan: RTT discovery complete", "estimate", rtt)
		}
	}

	if err := synscan.Scan(context.Background(), host, cfg); err != nil {
		logger.Error("synscan: scan failed", "target", *target, "error", err)
		os.Exit(1)
	}

	for _, p := range host.OpenPorts() {
		fmt.Printf("%d/%s open\n", p.Port, p.Proto)
	}
}

func resolveTarget(target string) (net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(target)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return ips[0], nil
}
