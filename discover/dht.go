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

package discover

import (
	"sort"
	"sync"
	"time"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/metrics"
)

const (
	// RecordTTL is how long stored peer records stay servable;
	// RepublishInterval is how often a node republishes its own record.
	RecordTTL         = time.Hour
	RepublishInterval = 10 * time.Minute

	// RevalidateInterval is how often the least recently seen entry of a
	// random bucket is pinged. Unresponsive entries are evicted and their
	// replacement candidate promoted.
	RevalidateInterval = 10 * time.Second
)

// valueStore holds signed peer records with expiry.
type valueStore struct {
	mu     sync.Mutex
	values map[NodeID]storedValue
}

type storedValue struct {
	record   *PeerInfo
	storedAt time.Time
}

// NewValueStore creates an empty record store.
func NewValueStore() *valueStore {
	return &valueStore{values: make(map[NodeID]storedValue)}
}

// Put verifies and stores a record. Older records never overwrite newer
// ones.
func (s *valueStore) Put(key NodeID, rec *PeerInfo) error {
	if err := rec.Verify(); err != nil {
		return err
	}
	if key != IDFromEntity(rec.EntityID) {
		return errs.New(errs.InvalidSignature, "record for %s stored under wrong key", rec.EntityID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; ok && old.record.PublishedAt.After(rec.PublishedAt) {
		return nil
	}
	s.values[key] = storedValue{record: rec, storedAt: time.Now()}
	return nil
}

// Get returns the record under key if it is still within TTL.
func (s *valueStore) Get(key NodeID) (*PeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if time.Since(v.storedAt) > RecordTTL {
		delete(s.values, key)
		return nil, false
	}
	return v.record, true
}

// Expire drops records past TTL and returns how many were dropped.
func (s *valueStore) Expire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, v := range s.values {
		if time.Since(v.storedAt) > RecordTTL {
			delete(s.values, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored records.
func (s *valueStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Config wires a DHT node.
type Config struct {
	Keypair    *crypto.Keypair
	ListenAddr string
	// Bootnodes seed the routing table.
	Bootnodes []*Node
	// NodeDBPath persists seen nodes across restarts. Empty runs in
	// memory only.
	NodeDBPath string
	Metrics    *metrics.Registry
}

// DHT is a Kademlia node: routing table, UDP transport, record store and the
// republish loop for the local peer record.
type DHT struct {
	cfg   Config
	self  *Node
	table *Table
	store *valueStore
	db    *NodeDB
	udp   *UDP
	log   log.Logger

	mu     sync.Mutex
	record *PeerInfo

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDHT binds the transport and seeds the table from the node database and
// the bootnodes.
func NewDHT(cfg Config) (*DHT, error) {
	id := IDFromPubkey(cfg.Keypair.PublicKey())
	table := NewTable(id)
	store := NewValueStore()

	var db *NodeDB
	if cfg.NodeDBPath != "" {
		var err error
		db, err = OpenNodeDB(cfg.NodeDBPath)
		if err != nil {
			return nil, err
		}
	}

	self := &Node{ID: id}
	udp, err := ListenUDP(cfg.ListenAddr, self, table, store, db, cfg.Metrics)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	laddr := udp.LocalAddr()
	self.Addr = laddr
	self.IP = laddr.IP.String()
	self.Port = laddr.Port

	d := &DHT{
		cfg:   cfg,
		self:  self,
		table: table,
		store: store,
		db:    db,
		udp:   udp,
		log:   log.New("pkg", "discover", "self", id.String()[:8]),
		quit:  make(chan struct{}),
	}
	if db != nil {
		for _, n := range db.Nodes(BucketSize * 4) {
			table.AddSeenNode(n)
		}
	}
	for _, n := range cfg.Bootnodes {
		table.AddSeenNode(n)
	}
	return d, nil
}

// Self returns the local node.
func (d *DHT) Self() *Node {
	cp := *d.self
	return &cp
}

// Table exposes the routing table.
func (d *DHT) Table() *Table {
	return d.table
}

// Start bootstraps the table and launches the republish and expiry loops.
func (d *DHT) Start() {
	d.Lookup(d.self.ID)
	d.wg.Add(1)
	go d.loop()
}

// Stop shuts the DHT down.
func (d *DHT) Stop() {
	close(d.quit)
	d.udp.Close()
	d.wg.Wait()
	if d.db != nil {
		d.db.Close()
	}
}

func (d *DHT) loop() {
	defer d.wg.Done()
	republish := time.NewTicker(RepublishInterval)
	defer republish.Stop()
	expire := time.NewTicker(RecordTTL / 4)
	defer expire.Stop()
	revalidate := time.NewTicker(RevalidateInterval)
	defer revalidate.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-revalidate.C:
			d.revalidate()
		case <-republish.C:
			d.mu.Lock()
			rec := d.record
			d.mu.Unlock()
			if rec != nil {
				if err := d.publish(rec); err != nil {
					d.log.Warn("Record republish failed", "err", err)
				}
			}
		case <-expire.C:
			if n := d.store.Expire(); n > 0 {
				d.log.Debug("Expired stored records", "count", n)
			}
		}
	}
}

// revalidate pings the least recently seen entry of a random bucket. The
// transport's failure path drops dead nodes and promotes their replacement;
// a pong moves the node back to the front of its bucket.
func (d *DHT) revalidate() {
	n := d.table.nodeToRevalidate()
	if n == nil {
		return
	}
	if err := d.udp.Ping(n); err != nil {
		d.log.Debug("Revalidated node is dead", "node", n.ID, "err", err)
	}
}

// Lookup runs the iterative Kademlia search toward target and returns the k
// closest nodes found.
func (d *DHT) Lookup(target NodeID) []*Node {
	seen := map[NodeID]*Node{}
	asked := map[NodeID]bool{d.self.ID: true}
	for _, n := range d.table.Closest(target, BucketSize) {
		seen[n.ID] = n
	}

	for {
		// The α closest unasked candidates.
		candidates := sortedByDistance(seen, target)
		var batch []*Node
		for _, n := range candidates {
			if !asked[n.ID] {
				batch = append(batch, n)
				if len(batch) == Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		type result struct{ nodes []*Node }
		results := make(chan result, len(batch))
		for _, n := range batch {
			asked[n.ID] = true
			go func(n *Node) {
				nodes, err := d.udp.FindNode(n, target)
				if err != nil {
					results <- result{}
					return
				}
				results <- result{nodes: nodes}
			}(n)
		}
		for range batch {
			r := <-results
			for _, n := range r.nodes {
				if n.ID == d.self.ID {
					continue
				}
				if _, ok := seen[n.ID]; !ok {
					seen[n.ID] = n
					d.table.AddSeenNode(n)
				}
			}
		}
	}

	closest := sortedByDistance(seen, target)
	if len(closest) > BucketSize {
		closest = closest[:BucketSize]
	}
	return closest
}

// Publish signs and stores the local peer record on the k nodes closest to
// its content ID, and keeps republishing it until Stop.
func (d *DHT) Publish(entityID, endpoint string, capabilities []string) error {
	rec := &PeerInfo{
		EntityID:     entityID,
		Endpoint:     endpoint,
		Capabilities: capabilities,
		PublishedAt:  time.Now().UTC(),
	}
	rec.Sign(d.cfg.Keypair)
	d.mu.Lock()
	d.record = rec
	d.mu.Unlock()
	return d.publish(rec)
}

func (d *DHT) publish(rec *PeerInfo) error {
	key := IDFromEntity(rec.EntityID)
	// Keep a local replica so lookups work on sparse networks.
	if err := d.store.Put(key, rec); err != nil {
		return err
	}
	targets := d.Lookup(key)
	var stored int
	for _, n := range targets {
		if err := d.udp.Store(n, key, rec); err != nil {
			d.log.Debug("Record store rejected", "node", n.ID, "err", err)
			continue
		}
		stored++
	}
	d.log.Debug("Record published", "entity", rec.EntityID, "replicas", stored)
	return nil
}

// Resolve finds the peer record for an entity, checking the local store
// first and then walking the network toward the content ID.
func (d *DHT) Resolve(entityID string) (*PeerInfo, error) {
	key := IDFromEntity(entityID)
	if rec, ok := d.store.Get(key); ok {
		return rec, nil
	}

	seen := map[NodeID]*Node{}
	asked := map[NodeID]bool{d.self.ID: true}
	for _, n := range d.table.Closest(key, BucketSize) {
		seen[n.ID] = n
	}
	for {
		candidates := sortedByDistance(seen, key)
		var batch []*Node
		for _, n := range candidates {
			if !asked[n.ID] {
				batch = append(batch, n)
				if len(batch) == Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, n := range batch {
			asked[n.ID] = true
			rec, nodes, err := d.udp.FindValue(n, key)
			if err != nil {
				continue
			}
			if rec != nil {
				if rec.EntityID != entityID || rec.Verify() != nil {
					continue
				}
				if time.Since(rec.PublishedAt) > RecordTTL {
					continue
				}
				d.store.Put(key, rec)
				return rec, nil
			}
			for _, nn := range nodes {
				if nn.ID == d.self.ID {
					continue
				}
				if _, ok := seen[nn.ID]; !ok {
					seen[nn.ID] = nn
					d.table.AddSeenNode(nn)
				}
			}
		}
	}
	return nil, errs.New(errs.UnknownRecipient, "no peer record for %s", entityID)
}

// Endpoint resolves an entity to its published endpoint, satisfying the
// messaging layer's resolver interface.
func (d *DHT) Endpoint(entityID string) (string, error) {
	rec, err := d.Resolve(entityID)
	if err != nil {
		return "", err
	}
	return rec.Endpoint, nil
}

func sortedByDistance(m map[NodeID]*Node, target NodeID) []*Node {
	out := make([]*Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return DistCmp(target, out[i].ID, out[j].ID) < 0
	})
	return out
}
