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
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/metrics"
)

// Wire format: 4-byte magic, 12-byte transaction ID, 1-byte packet type,
// JSON body. Replies echo the request's transaction ID.
var packetMagic = [4]byte{'a', 'c', 'p', '1'}

const (
	headSize = 4 + txIDSize + 1
	txIDSize = 12

	// maxPacketSize must fit a full neighbor reply: BucketSize nodes with
	// hex IDs and IPv6 endpoints encode to well under 4 KiB.
	maxPacketSize = 4096

	respTimeout = 500 * time.Millisecond
)

// Packet types.
const (
	pPing byte = iota + 1
	pPong
	pStore
	pStored
	pFindNode
	pNodes
	pFindValue
	pValue
)

type txID [txIDSize]byte

func newTxID() (txID, error) {
	var id txID
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

// Bodies. Every request carries From so the receiver can admit the sender to
// its table.

type pingBody struct {
	From Node `json:"from"`
}

type pongBody struct {
	From Node `json:"from"`
}

type storeBody struct {
	From   Node     `json:"from"`
	Key    NodeID   `json:"key"`
	Record PeerInfo `json:"record"`
}

type storedBody struct {
	From Node `json:"from"`
	OK   bool `json:"ok"`
}

type findBody struct {
	From   Node   `json:"from"`
	Target NodeID `json:"target"`
}

type nodesBody struct {
	From  Node    `json:"from"`
	Nodes []*Node `json:"nodes"`
}

type valueBody struct {
	From   Node      `json:"from"`
	Found  bool      `json:"found"`
	Record *PeerInfo `json:"record,omitempty"`
	Nodes  []*Node   `json:"nodes,omitempty"`
}

func encodePacket(id txID, ptype byte, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, headSize+len(data))
	buf = append(buf, packetMagic[:]...)
	buf = append(buf, id[:]...)
	buf = append(buf, ptype)
	return append(buf, data...), nil
}

func decodePacket(buf []byte) (id txID, ptype byte, body []byte, err error) {
	if len(buf) < headSize {
		return id, 0, nil, errors.New("packet too short")
	}
	if !bytes.Equal(buf[:4], packetMagic[:]) {
		return id, 0, nil, errors.New("bad packet magic")
	}
	copy(id[:], buf[4:4+txIDSize])
	return id, buf[4+txIDSize], buf[headSize:], nil
}

// replyMatcher waits for one reply to a sent request.
type replyMatcher struct {
	ptype byte
	ch    chan []byte
}

// UDP is the discovery transport: it serves inbound Kademlia RPCs against
// the routing table and value store, and issues outbound ones.
type UDP struct {
	conn  *net.UDPConn
	self  *Node
	table *Table
	store *valueStore
	db    *NodeDB
	log   log.Logger

	// handled remembers recently served request IDs so retransmitted UDP
	// requests are dropped instead of served twice.
	handled *lru.Cache

	mu      sync.Mutex
	pending map[txID]*replyMatcher

	inPackets  *metrics.Meter
	outPackets *metrics.Meter

	quit chan struct{}
	wg   sync.WaitGroup
}

// ListenUDP binds the discovery transport. db may be nil to run without node
// persistence.
func ListenUDP(laddr string, self *Node, table *Table, store *valueStore, db *NodeDB, reg *metrics.Registry) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	handled, err := lru.New(1024)
	if err != nil {
		conn.Close()
		return nil, err
	}
	u := &UDP{
		conn:       conn,
		self:       self,
		table:      table,
		store:      store,
		db:         db,
		log:        log.New("pkg", "discover", "self", self.ID.String()[:8]),
		handled:    handled,
		pending:    make(map[txID]*replyMatcher),
		inPackets:  reg.GetOrRegisterMeter("discover/in"),
		outPackets: reg.GetOrRegisterMeter("discover/out"),
		quit:       make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// Close shuts the transport down.
func (u *UDP) Close() {
	close(u.quit)
	u.conn.Close()
	u.wg.Wait()
}

// LocalAddr returns the bound UDP address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			u.log.Debug("UDP read error", "err", err)
			return
		}
		u.inPackets.Mark(1)
		if err := u.handlePacket(buf[:n], from); err != nil {
			u.log.Debug("Bad discovery packet", "from", from, "err", err)
		}
	}
}

func (u *UDP) handlePacket(buf []byte, from *net.UDPAddr) error {
	id, ptype, body, err := decodePacket(buf)
	if err != nil {
		return err
	}

	// Replies resolve a pending matcher.
	switch ptype {
	case pPong, pStored, pNodes, pValue:
		u.mu.Lock()
		m, ok := u.pending[id]
		if ok && m.ptype == ptype {
			delete(u.pending, id)
		}
		u.mu.Unlock()
		if ok && m.ptype == ptype {
			m.ch <- append([]byte(nil), body...)
		}
		return nil
	}

	// Requests are served inline. Retransmissions of an already served
	// request are dropped.
	if u.handled.Contains(id) {
		return nil
	}
	u.handled.Add(id, struct{}{})
	switch ptype {
	case pPing:
		var b pingBody
		if err := json.Unmarshal(body, &b); err != nil {
			return err
		}
		u.seen(&b.From, from)
		return u.send(from, id, pPong, &pongBody{From: *u.self})

	case pStore:
		var b storeBody
		if err := json.Unmarshal(body, &b); err != nil {
			return err
		}
		u.seen(&b.From, from)
		ok := u.store.Put(b.Key, &b.Record) == nil
		return u.send(from, id, pStored, &storedBody{From: *u.self, OK: ok})

	case pFindNode:
		var b findBody
		if err := json.Unmarshal(body, &b); err != nil {
			return err
		}
		u.seen(&b.From, from)
		closest := u.table.Closest(b.Target, BucketSize)
		return u.send(from, id, pNodes, &nodesBody{From: *u.self, Nodes: closest})

	case pFindValue:
		var b findBody
		if err := json.Unmarshal(body, &b); err != nil {
			return err
		}
		u.seen(&b.From, from)
		if rec, ok := u.store.Get(b.Target); ok {
			return u.send(from, id, pValue, &valueBody{From: *u.self, Found: true, Record: rec})
		}
		closest := u.table.Closest(b.Target, BucketSize)
		return u.send(from, id, pValue, &valueBody{From: *u.self, Nodes: closest})
	}
	return errors.New("unknown packet type")
}

// seen admits a contacted node to the table and node database, trusting the
// observed source address over the claimed one.
func (u *UDP) seen(n *Node, from *net.UDPAddr) {
	node := NewNode(n.ID, from)
	u.table.AddSeenNode(node)
	if u.db != nil {
		if err := u.db.UpdateNode(node); err != nil {
			u.log.Debug("Node DB update failed", "node", n.ID, "err", err)
		}
	}
}

func (u *UDP) send(to *net.UDPAddr, id txID, ptype byte, body interface{}) error {
	buf, err := encodePacket(id, ptype, body)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(buf, to)
	if err == nil {
		u.outPackets.Mark(1)
	}
	return err
}

// request sends a packet and waits for the matching reply type.
func (u *UDP) request(to *net.UDPAddr, ptype, replyType byte, body interface{}) ([]byte, error) {
	id, err := newTxID()
	if err != nil {
		return nil, err
	}
	m := &replyMatcher{ptype: replyType, ch: make(chan []byte, 1)}
	u.mu.Lock()
	u.pending[id] = m
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.pending, id)
		u.mu.Unlock()
	}()

	if err := u.send(to, id, ptype, body); err != nil {
		return nil, err
	}
	select {
	case reply := <-m.ch:
		return reply, nil
	case <-time.After(respTimeout):
		return nil, errs.New(errs.Timeout, "no reply from %s", to)
	case <-u.quit:
		return nil, errs.New(errs.Timeout, "transport closed")
	}
}

// Ping checks a node's liveness.
func (u *UDP) Ping(n *Node) error {
	reply, err := u.request(n.UDPAddr(), pPing, pPong, &pingBody{From: *u.self})
	if err != nil {
		u.table.ReplaceDead(n.ID)
		return err
	}
	var b pongBody
	if err := json.Unmarshal(reply, &b); err != nil {
		return err
	}
	u.table.AddSeenNode(NewNode(b.From.ID, n.UDPAddr()))
	return nil
}

// Store asks a node to hold a peer record under key.
func (u *UDP) Store(n *Node, key NodeID, rec *PeerInfo) error {
	reply, err := u.request(n.UDPAddr(), pStore, pStored, &storeBody{From: *u.self, Key: key, Record: *rec})
	if err != nil {
		return err
	}
	var b storedBody
	if err := json.Unmarshal(reply, &b); err != nil {
		return err
	}
	if !b.OK {
		return errs.New(errs.InvalidSignature, "node %s rejected record", n.ID)
	}
	return nil
}

// FindNode asks a node for its closest entries to target.
func (u *UDP) FindNode(n *Node, target NodeID) ([]*Node, error) {
	reply, err := u.request(n.UDPAddr(), pFindNode, pNodes, &findBody{From: *u.self, Target: target})
	if err != nil {
		u.table.ReplaceDead(n.ID)
		return nil, err
	}
	var b nodesBody
	if err := json.Unmarshal(reply, &b); err != nil {
		return nil, err
	}
	if len(b.Nodes) > BucketSize {
		b.Nodes = b.Nodes[:BucketSize]
	}
	return b.Nodes, nil
}

// FindValue asks a node for the record under key, falling back to its
// closest entries.
func (u *UDP) FindValue(n *Node, key NodeID) (*PeerInfo, []*Node, error) {
	reply, err := u.request(n.UDPAddr(), pFindValue, pValue, &findBody{From: *u.self, Target: key})
	if err != nil {
		u.table.ReplaceDead(n.ID)
		return nil, nil, err
	}
	var b valueBody
	if err := json.Unmarshal(reply, &b); err != nil {
		return nil, nil, err
	}
	if b.Found {
		return b.Record, nil, nil
	}
	if len(b.Nodes) > BucketSize {
		b.Nodes = b.Nodes[:BucketSize]
	}
	return nil, b.Nodes, nil
}
