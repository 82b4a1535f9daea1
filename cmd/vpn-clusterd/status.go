package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/salahayoub/vpncluster/pkg/types"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of running nodes",
		ArgsUsage: "[http-address ...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "per-node request timeout"},
		},
		Action: func(c *cli.Context) error {
			addrs := c.Args().Slice()
			if len(addrs) == 0 {
				addrs = []string{"localhost:8946"}
			}
			client := &http.Client{Timeout: c.Duration("timeout")}
			results := fetchAll(c.Context, client, addrs)
			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printStatus(c.App.Writer, results)
		},
	}
}

// statusResult is the outcome of polling one node.
type statusResult struct {
	Address string                `json:"address"`
	Status  *types.StatusResponse `json:"status,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// fetchAll polls every address concurrently and returns the results in the
// order of addrs.
func fetchAll(ctx context.Context, client *http.Client, addrs []string) []statusResult {
	results := make([]statusResult, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			results[i] = statusResult{Address: addr}
			status, err := fetchStatus(ctx, client, addr)
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Status = status
		}(i, addr)
	}
	wg.Wait()
	return results
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) (*types.StatusResponse, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

func printStatus(w io.Writer, results []statusResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNODE\tROLE\tTERM\tCOMMIT\tLEADER\tVERSION\tMEMBERS")
	for _, r := range results {
		if r.Status == nil {
			fmt.Fprintf(tw, "%s\t-\tunreachable\t-\t-\t-\t-\t%s\n", r.Address, r.Error)
			continue
		}
		s := r.Status
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			r.Address, s.NodeID, s.Role, s.Term, s.CommitIndex, s.LeaderID, s.ConfigVersion, members(s.Peers))
	}
	return tw.Flush()
}

// members summarizes peers as "id:status" pairs.
func members(peers []types.PeerStatus) string {
	parts := make([]string, 0, len(peers))
	for _, p := range peers {
		status := p.Status
		if status == "" {
			status = "unregistered"
		}
		parts = append(parts, p.ID+":"+status)
	}
	return strings.Join(parts, ",")
}
