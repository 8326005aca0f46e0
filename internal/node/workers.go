package node

import (
	"context"
	"time"
)

const (
	persistInterval = time.Minute
	probeInterval   = 30 * time.Second
)

// startWorkers launches the background goroutines. They stop when ctx is
// cancelled.
func (n *Node) startWorkers(ctx context.Context) {
	n.workers.Add(1)
	go n.runPersist(ctx)
	if n.remote != nil {
		n.workers.Add(1)
		go n.runProbe(ctx)
	}
}

// runPersist saves peer health and the clock every minute.
func (n *Node) runPersist(ctx context.Context) {
	defer n.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(persistInterval):
			if err := n.persist(ctx); err != nil {
				n.logger.Warn("persist instance state", "error", err)
			}
		}
	}
}

// runProbe re-checks whether the shared capability service is reachable.
func (n *Node) runProbe(ctx context.Context) {
	defer n.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(probeInterval):
			n.probeRemote(ctx)
		}
	}
}

func (n *Node) probeRemote(ctx context.Context) {
	timeout := n.cfg.Capability.CallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok := n.remote.Probe(ctx)
	if ok != n.resolver.Context().SharedServiceReachable {
		n.logger.Info("shared capability service reachability changed", "reachable", ok, "url", n.cfg.Capability.RemoteURL)
	}
	n.resolver.SetSharedServiceReachable(ok)
}
