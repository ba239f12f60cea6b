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
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NodeDB persists seen nodes across restarts so the table does not bootstrap
// from scratch every time. Entries older than the expiry are pruned on open.
type NodeDB struct {
	db *leveldb.DB
}

const nodeDBExpiry = 24 * time.Hour

var (
	nodeDBItemPrefix = []byte("n:")
	nodeDBSeenSuffix = []byte(":seen")
)

type nodeDBEntry struct {
	Node Node  `json:"node"`
	Seen int64 `json:"seen"`
}

// OpenNodeDB opens or creates the node database at path.
func OpenNodeDB(path string) (*NodeDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	ndb := &NodeDB{db: db}
	ndb.expire()
	return ndb, nil
}

// Close flushes and closes the database.
func (db *NodeDB) Close() {
	db.db.Close()
}

func nodeKey(id NodeID) []byte {
	return append(append([]byte(nil), nodeDBItemPrefix...), id[:]...)
}

func seenKey(id NodeID) []byte {
	return append(nodeKey(id), nodeDBSeenSuffix...)
}

// UpdateNode writes a node entry and stamps it as seen now.
func (db *NodeDB) UpdateNode(n *Node) error {
	entry := nodeDBEntry{Node: *n, Seen: time.Now().Unix()}
	blob, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	if err := db.db.Put(nodeKey(n.ID), blob, nil); err != nil {
		return err
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(entry.Seen))
	return db.db.Put(seenKey(n.ID), ts[:], nil)
}

// Node reads one node entry.
func (db *NodeDB) Node(id NodeID) *Node {
	blob, err := db.db.Get(nodeKey(id), nil)
	if err != nil {
		return nil
	}
	var entry nodeDBEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil
	}
	return &entry.Node
}

// Nodes returns up to max persisted nodes, most recently seen first.
func (db *NodeDB) Nodes(max int) []*Node {
	type seenNode struct {
		node *Node
		seen int64
	}
	var all []seenNode
	it := db.db.NewIterator(util.BytesPrefix(nodeDBItemPrefix), nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != len(nodeDBItemPrefix)+len(NodeID{}) {
			continue
		}
		var entry nodeDBEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			continue
		}
		node := entry.Node
		all = append(all, seenNode{node: &node, seen: entry.Seen})
	}
	// Newest first, bounded.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].seen > all[j-1].seen; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > max {
		all = all[:max]
	}
	out := make([]*Node, len(all))
	for i, sn := range all {
		out[i] = sn.node
	}
	return out
}

// DeleteNode removes a node entry.
func (db *NodeDB) DeleteNode(id NodeID) error {
	if err := db.db.Delete(nodeKey(id), nil); err != nil {
		return err
	}
	return db.db.Delete(seenKey(id), nil)
}

// expire prunes entries not seen within the expiry window.
func (db *NodeDB) expire() {
	cutoff := time.Now().Add(-nodeDBExpiry).Unix()
	it := db.db.NewIterator(util.BytesPrefix(nodeDBItemPrefix), nil)
	defer it.Release()
	var stale []NodeID
	for it.Next() {
		key := it.Key()
		if len(key) != len(nodeDBItemPrefix)+len(NodeID{}) {
			continue
		}
		var entry nodeDBEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil || entry.Seen < cutoff {
			var id NodeID
			copy(id[:], key[len(nodeDBItemPrefix):])
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		db.DeleteNode(id)
	}
}
