package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/salahayoub/vpncluster/pkg/cluster"
	"github.com/salahayoub/vpncluster/pkg/config"
	"github.com/salahayoub/vpncluster/pkg/logging"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/resources"
	"github.com/salahayoub/vpncluster/pkg/storage"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

const (
	raftDBFilename  = "raft.db"
	snapshotDirName = "snapshots"
	shutdownTimeout = 5 * time.Second
)

// keyNodeID is the stable store key holding the node id chosen on first start.
var keyNodeID = []byte("vpncluster.node_id")

// node is every component of a running daemon.
type node struct {
	id        string
	logger    hclog.Logger
	metrics   *metrics.Registry
	store     *storage.BoltStore
	transport *transport.GRPCTransport
	table     *membership.Table
	raft      *raft.Raft
	coord     *cluster.Coordinator
	http      *http.Server
}

// run starts a node from cfg and blocks until ctx ends or the process is
// signalled, then shuts it down.
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Name: "vpn-clusterd", Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	if err := n.start(); err != nil {
		n.shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down", "cause", context.Cause(ctx))

	if code := n.shutdown(); code != 0 {
		return errors.New("graceful shutdown completed with errors")
	}
	return nil
}

// newNode opens storage and builds every component without starting any.
// Components already opened are closed again on error.
func newNode(cfg *config.Config, logger hclog.Logger) (*node, error) {
	n := &node{logger: logger, metrics: metrics.NewRegistry()}
	if err := n.build(cfg); err != nil {
		n.shutdown()
		return nil, err
	}
	return n, nil
}

func (n *node) build(cfg *config.Config) (err error) {
	logger := n.logger

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.Node.DataDir, err)
	}
	dbPath := filepath.Join(cfg.Node.DataDir, raftDBFilename)
	n.store, err = storage.NewBoltStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open log store at %s: %w", dbPath, err)
	}
	n.id, err = resolveNodeID(n.store, cfg.Node.ID)
	if err != nil {
		return err
	}
	logger = logger.With("node", n.id)
	n.logger = logger

	snapshots, err := raft.NewFileSnapshotStore(filepath.Join(cfg.Node.DataDir, snapshotDirName))
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	n.transport, err = transport.NewGRPCTransport(transport.GRPCConfig{
		ListenAddr:    cfg.Transport.Listen,
		AdvertiseAddr: cfg.Transport.Advertise,
		RPCTimeout:    cfg.Transport.RPCTimeout,
		Logger:        logger,
		Metrics:       n.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Transport.Listen, err)
	}
	advertise := n.transport.LocalAddr()

	peers, err := cfg.BootstrapPeers()
	if err != nil {
		return err
	}
	servers := make([]raft.Server, 0, len(peers))
	for _, p := range peers {
		servers = append(servers, raft.Server{ID: p.ID, Address: p.Address})
	}

	n.table = membership.NewTable(cfg.Cluster.Name, logger, n.metrics)
	n.raft, err = raft.NewRaft(raft.Config{
		ID:                n.id,
		Address:           advertise,
		Bootstrap:         cfg.Cluster.Bootstrap,
		Peers:             servers,
		ElectionTimeout:   cfg.Raft.ElectionTimeout,
		HeartbeatTimeout:  cfg.Raft.HeartbeatTimeout,
		LeaseTimeout:      cfg.Raft.LeaseTimeout,
		MaxAppendEntries:  cfg.Raft.MaxAppendEntries,
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		TrailingLogs:      cfg.Raft.TrailingLogs,
		SnapshotChunkSize: cfg.Raft.SnapshotChunkSize,
		SnapshotRateLimit: cfg.Raft.SnapshotRateLimit,
		Logger:            logger,
		Metrics:           n.metrics,
	}, n.store, n.store, n.table, n.transport, snapshots)
	if err != nil {
		return fmt.Errorf("failed to create consensus engine: %w", err)
	}

	n.coord, err = cluster.New(cluster.Config{
		NodeID:            n.id,
		ClusterName:       cfg.Cluster.Name,
		Address:           advertise,
		Name:              cfg.Node.Name,
		Region:            cfg.Node.Region,
		Version:           Version,
		Metadata:          cfg.Node.Metadata,
		Seeds:             cfg.Cluster.Seeds,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval,
		LivenessWindow:    cfg.Membership.LivenessWindow,
		RemovalGrace:      cfg.Membership.RemovalGrace,
		RequestTimeout:    cfg.Membership.RequestTimeout,
		ForwardTimeout:    cfg.ForwardTimeout(),
		JoinRetryInterval: cfg.Membership.JoinRetryInterval,
		Sampler:           resources.NewHostSampler(cfg.Node.DataDir),
		Logger:            logger,
		Metrics:           n.metrics,
	}, n.raft, n.table, n.transport)
	if err != nil {
		return err
	}

	if cfg.HTTP.Listen != "" {
		n.http = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           newMux(n.id, n.raft, n.coord, n.metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

func (n *node) start() error {
	if err := n.raft.Start(); err != nil {
		return fmt.Errorf("failed to start consensus engine: %w", err)
	}
	if err := n.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if n.http != nil {
		go func() {
			n.logger.Info("serving HTTP API", "address", n.http.Addr)
			if err := n.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("HTTP server failed", "error", err)
			}
		}()
	}
	n.logger.Info("node started", "address", n.transport.LocalAddr())
	return nil
}

// shutdown stops accepting HTTP requests, then stops the coordinator, the
// consensus engine, the transport and the store in that order. It returns
// 0 on success and 1 if any step failed; later steps run regardless.
func (n *node) shutdown() int {
	exitCode := 0
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			n.logger.Error("shutdown step failed", "step", name, "error", err)
			exitCode = 1
			return
		}
		n.logger.Debug("shutdown step done", "step", name)
	}

	if n.http != nil {
		step("http", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return n.http.Shutdown(ctx)
		})
	}
	if n.coord != nil {
		step("coordinator", n.coord.Stop)
	}
	if n.raft != nil {
		step("raft", n.raft.Stop)
	}
	if n.transport != nil {
		step("transport", n.transport.Close)
	}
	if n.store != nil {
		step("store", n.store.Close)
	}

	if exitCode == 0 {
		n.logger.Info("graceful shutdown completed")
	}
	return exitCode
}

// resolveNodeID returns the node id persisted in store, persisting configured
// or a freshly generated one on first start. A configured id that differs
// from the persisted one is an error: the log belongs to the old identity.
func resolveNodeID(store *storage.BoltStore, configured string) (string, error) {
	stored, err := store.Get(keyNodeID)
	if err != nil {
		return "", fmt.Errorf("failed to read node id: %w", err)
	}
	if len(stored) > 0 {
		if configured != "" && configured != string(stored) {
			return "", fmt.Errorf("data directory belongs to node %q, not %q", stored, configured)
		}
		return string(stored), nil
	}

	id := configured
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.Set(keyNodeID, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}
	return id, nil
}
