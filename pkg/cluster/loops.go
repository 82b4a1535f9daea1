package cluster

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/raft"
)

// runHeartbeats samples local resources and sends them to every other
// member each HeartbeatInterval.
func (c *Coordinator) runHeartbeats() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

// sendHeartbeats fans one heartbeat out to all members concurrently and
// returns how many were acknowledged.
func (c *Coordinator) sendHeartbeats() int {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.HeartbeatInterval)
	defer cancel()

	res, err := c.config.Sampler.Sample(ctx)
	if err != nil {
		c.logger.Debug("resource sampling incomplete", "error", err)
	}
	now := timeNow()
	c.table.Heartbeat(c.config.NodeID, now, res)

	req := &api.HeartbeatRequest{NodeID: c.config.NodeID, Timestamp: now, Resources: res}
	var acked int
	var ackedMu sync.Mutex
	var wg sync.WaitGroup
	for _, n := range c.table.State().Nodes {
		if n.NodeID == c.config.NodeID || n.Status == api.StatusLeft {
			continue
		}
		target := n.Address
		if target == "" {
			target = n.NodeID
		}

		wg.Add(1)
		go func(id, target string) {
			defer wg.Done()
			resp, err := c.transport.SendHeartbeat(ctx, target, req)
			ok := err == nil && resp.Success
			c.metrics.RecordHeartbeat("sent", ok)
			if !ok {
				c.logger.Trace("heartbeat not acknowledged", "node", id, "error", err)
				return
			}
			ackedMu.Lock()
			acked++
			ackedMu.Unlock()
		}(n.NodeID, target)
	}
	wg.Wait()
	return acked
}

// runSweeper marks silent members suspected and, on the leader, removes
// members suspected for longer than RemovalGrace.
func (c *Coordinator) runSweeper() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep(timeNow())
		}
	}
}

func (c *Coordinator) sweep(now time.Time) {
	c.table.Sweep(now, c.config.LivenessWindow)

	if c.config.RemovalGrace <= 0 || c.raft.State() != raft.Leader {
		return
	}
	for _, id := range c.table.Expired(now, c.config.RemovalGrace) {
		if id == c.config.NodeID {
			continue
		}
		c.logger.Warn("removing node suspected past the grace period", "node", id, "grace", c.config.RemovalGrace)
		ctx, cancel := context.WithTimeout(c.ctx, c.config.RequestTimeout)
		err := c.RemoveNode(ctx, id)
		cancel()
		if err != nil {
			c.logger.Error("failed to remove suspected node", "node", id, "error", err)
		}
	}
}

// runRegistration joins this node to the cluster once a leader or a seed is
// known, until the table holds its current record.
func (c *Coordinator) runRegistration() {
	ticker := time.NewTicker(c.config.JoinRetryInterval)
	defer ticker.Stop()
	for {
		if c.hasLeft() {
			return
		}
		if c.registered() {
			c.logger.Info("registered in cluster", "node", c.config.NodeID)
			return
		}
		if c.shouldJoin() {
			ctx, cancel := context.WithTimeout(c.ctx, c.config.RequestTimeout)
			_, err := c.Join(ctx, c.Self())
			cancel()
			if err != nil {
				c.logger.Debug("self-registration failed, will retry", "error", err)
			}
		}

		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// registered reports whether the table holds an up-to-date record of this node.
func (c *Coordinator) registered() bool {
	n, ok := c.table.Node(c.config.NodeID)
	if !ok || n.Status == api.StatusLeft {
		return false
	}
	self := c.Self()
	return n.Address == self.Address && n.Name == self.Name &&
		n.Version == self.Version && n.Region == self.Region &&
		maps.Equal(n.Metadata, self.Metadata)
}

func (c *Coordinator) shouldJoin() bool {
	_, ok := c.CurrentLeader()
	return ok || len(c.config.Seeds) > 0
}
