// Package main is vpn-clusterd, the daemon that keeps one VPN node in the
// cluster: it runs the consensus engine and the membership coordinator, and
// serves a small HTTP API for status, shared configuration and metrics.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/salahayoub/vpncluster/pkg/config"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "vpn-clusterd",
		Usage:   "VPN cluster coordination daemon",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags:   runFlags(),
		Action:  runAction,
		Commands: []*cli.Command{
			statusCommand(),
		},
	}
}

// flagKeys maps each daemon flag to the configuration key it overrides.
var flagKeys = map[string]string{
	"id":         "node.id",
	"name":       "node.name",
	"region":     "node.region",
	"data-dir":   "node.data_dir",
	"cluster":    "cluster.name",
	"bootstrap":  "cluster.bootstrap",
	"peers":      "cluster.peers",
	"seeds":      "cluster.seeds",
	"listen":     "transport.listen",
	"advertise":  "transport.advertise",
	"http":       "http.listen",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"VPNCLUSTER_CONFIG"}},
		&cli.StringFlag{Name: "id", Usage: "node id (generated and persisted when empty)"},
		&cli.StringFlag{Name: "name", Usage: "human-readable node name"},
		&cli.StringFlag{Name: "region", Usage: "region the node runs in"},
		&cli.StringFlag{Name: "data-dir", Aliases: []string{"d"}, Usage: "directory for the log store and snapshots"},
		&cli.StringFlag{Name: "cluster", Usage: "cluster name"},
		&cli.BoolFlag{Name: "bootstrap", Usage: "found a new cluster from --peers"},
		&cli.StringSliceFlag{Name: "peers", Usage: "bootstrap voters as id=address"},
		&cli.StringSliceFlag{Name: "seeds", Usage: "addresses of existing members to join through"},
		&cli.StringFlag{Name: "listen", Usage: "gRPC listen address"},
		&cli.StringFlag{Name: "advertise", Usage: "address other nodes reach this node on"},
		&cli.StringFlag{Name: "http", Usage: "HTTP API listen address, empty to disable"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "text or json"},
	}
}

// flagOverrides returns the configuration keys set on the command line.
func flagOverrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	for flag, key := range flagKeys {
		if !c.IsSet(flag) {
			continue
		}
		switch flag {
		case "bootstrap":
			out[key] = c.Bool(flag)
		case "peers", "seeds":
			out[key] = c.StringSlice(flag)
		default:
			out[key] = c.String(flag)
		}
	}
	return out
}

func runAction(c *cli.Context) error {
	cfg, err := config.NewLoader(c.String("config")).Load(flagOverrides(c))
	if err != nil {
		return err
	}
	return run(c.Context, cfg)
}
