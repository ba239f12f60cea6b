// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

// Package node assembles the platform services behind one HTTP surface and
// manages their lifecycle.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/acp-project/go-acp/contract"
	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/discover"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/registry"
	"github.com/acp-project/go-acp/relay"
	"github.com/acp-project/go-acp/reputation"
	"github.com/acp-project/go-acp/session"
	"github.com/acp-project/go-acp/storage"
)

const (
	// Offline queue drain cadence and retry policy.
	drainInterval    = 30 * time.Second
	drainBatch       = 50
	drainMaxAttempts = 10

	// Expiry sweeps for escrows and transactions.
	settleSweepInterval = time.Minute
)

// Config holds the node's identity and HTTP settings.
type Config struct {
	EntityID     string
	Keypair      *crypto.Keypair
	HTTPAddr     string
	CORSOrigins  []string
	JWTSecret    []byte
	APIKeyHashes []string
}

// Services are the wired subsystems the node serves. Processor, Registry,
// Ledger, Tasks and Reputation are required; Relay, DHT, Engine, Escrow and
// Queue are optional.
type Services struct {
	Processor  *messaging.Processor
	Sessions   *session.Manager
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Tasks      *ledger.TaskManager
	Reputation *reputation.Ledger
	Engine     *contract.Engine
	Escrow     *contract.EscrowManager
	Relay      *relay.Service
	DHT        *discover.DHT
	Queue      *storage.OfflineQueue
	Resolver   messaging.EndpointResolver
}

// Node owns the HTTP server and the background loops of its services.
type Node struct {
	cfg  Config
	log  log.Logger
	auth *authenticator
	http *httpServer

	processor  *messaging.Processor
	sessions   *session.Manager
	registry   *registry.Registry
	ledger     *ledger.Ledger
	tasks      *ledger.TaskManager
	reputation *reputation.Ledger
	engine     *contract.Engine
	escrow     *contract.EscrowManager
	relaySvc   *relay.Service
	dht        *discover.DHT
	queue      *storage.OfflineQueue
	resolver   messaging.EndpointResolver
	client     *messaging.Client

	started time.Time
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New assembles a node. It does not start anything.
func New(cfg Config, svcs Services) (*Node, error) {
	if cfg.EntityID == "" || cfg.Keypair == nil {
		return nil, errs.New(errs.InternalError, "node requires an identity")
	}
	if svcs.Processor == nil || svcs.Registry == nil || svcs.Ledger == nil || svcs.Tasks == nil {
		return nil, errs.New(errs.InternalError, "node requires processor, registry, ledger and tasks")
	}
	n := &Node{
		cfg:        cfg,
		log:        log.New("pkg", "node", "entity", cfg.EntityID),
		auth:       newAuthenticator(cfg.JWTSecret, cfg.APIKeyHashes),
		processor:  svcs.Processor,
		sessions:   svcs.Sessions,
		registry:   svcs.Registry,
		ledger:     svcs.Ledger,
		tasks:      svcs.Tasks,
		reputation: svcs.Reputation,
		engine:     svcs.Engine,
		escrow:     svcs.Escrow,
		relaySvc:   svcs.Relay,
		dht:        svcs.DHT,
		queue:      svcs.Queue,
		resolver:   svcs.Resolver,
		client:     messaging.NewClient(nil, nil, nil),
		quit:       make(chan struct{}),
	}
	n.http = newHTTPServer(cfg.HTTPAddr, n.newMux(), cfg.CORSOrigins, n.log)
	return n, nil
}

// Auth exposes the node's token issuer.
func (n *Node) Auth() *authenticator {
	return n.auth
}

// HTTPAddr returns the bound HTTP address.
func (n *Node) HTTPAddr() string {
	return n.http.addr()
}

// Start brings up all services and the HTTP listener.
func (n *Node) Start() error {
	n.started = time.Now()
	if n.sessions != nil {
		n.sessions.Start()
	}
	n.registry.Start()
	n.processor.Start()
	if n.relaySvc != nil {
		n.relaySvc.Start()
	}
	if n.dht != nil {
		n.dht.Start()
	}
	if err := n.http.start(); err != nil {
		n.stopServices()
		return err
	}
	if n.queue != nil {
		n.wg.Add(1)
		go n.drainLoop()
	}
	if n.escrow != nil || n.engine != nil {
		n.wg.Add(1)
		go n.settleLoop()
	}
	n.log.Info("Node started", "http", n.http.addr())
	return nil
}

// Stop shuts everything down, HTTP first so no new work arrives.
func (n *Node) Stop() {
	n.http.stop()
	close(n.quit)
	n.wg.Wait()
	n.stopServices()
	n.log.Info("Node stopped")
}

func (n *Node) stopServices() {
	if n.dht != nil {
		n.dht.Stop()
	}
	if n.relaySvc != nil {
		n.relaySvc.Stop()
	}
	n.processor.Stop()
	n.registry.Stop()
	if n.sessions != nil {
		n.sessions.Stop()
	}
	if n.queue != nil {
		if err := n.queue.Close(); err != nil {
			n.log.Warn("Offline queue close failed", "err", err)
		}
	}
}

// drainLoop retries queued envelopes whose recipients were unreachable.
func (n *Node) drainLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case now := <-ticker.C:
			n.drainOnce(now)
		}
	}
}

func (n *Node) drainOnce(now time.Time) {
	due, err := n.queue.Due(now, drainBatch)
	if err != nil {
		n.log.Warn("Offline queue read failed", "err", err)
		return
	}
	for _, qm := range due {
		m, err := messaging.DecodeMessage(qm.Envelope)
		if err != nil {
			n.log.Warn("Dropping undecodable queued message", "msg", qm.MsgID, "err", err)
			n.queue.MarkDelivered(qm.MsgID)
			continue
		}
		endpoint, err := n.resolver.Endpoint(qm.RecipientID)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), messaging.DefaultSendTimeout)
			_, err = n.client.Send(ctx, endpoint, m)
			cancel()
		}
		if err == nil {
			if derr := n.queue.MarkDelivered(qm.MsgID); derr != nil {
				n.log.Warn("Cannot mark queued message delivered", "msg", qm.MsgID, "err", derr)
			}
			continue
		}
		// Linear backoff, capped by attempt count.
		next := now.Add(time.Duration(qm.Attempts+1) * drainInterval)
		if rerr := n.queue.Reschedule(qm.MsgID, next, drainMaxAttempts); rerr != nil {
			n.log.Warn("Cannot reschedule queued message", "msg", qm.MsgID, "err", rerr)
		}
	}
}

// settleLoop expires stale escrows and transactions.
func (n *Node) settleLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(settleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case now := <-ticker.C:
			if n.engine != nil {
				if expired := n.engine.SweepExpired(now); len(expired) > 0 {
					n.log.Info("Expired transactions", "count", len(expired))
				}
			}
			if n.escrow != nil {
				if refunded := n.escrow.SweepExpired(now); len(refunded) > 0 {
					n.log.Info("Refunded expired escrows", "count", len(refunded))
				}
			}
		}
	}
}
