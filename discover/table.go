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
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/acp-project/go-acp/log"
)

const (
	// BucketSize is k, the redundancy factor.
	BucketSize = 20
	// Alpha is the lookup concurrency factor.
	Alpha = 3

	// nBuckets buckets cover log-distances [bucketMinDist..IDBits-1]; all
	// closer nodes share the first bucket.
	nBuckets      = 17
	bucketMinDist = IDBits - nBuckets
)

// bucket holds nodes ordered by liveness: entries[0] is the most recently
// validated. replacements hold candidates waiting for a dead entry.
type bucket struct {
	entries      []*Node
	replacements []*Node
}

// Table is the Kademlia routing table.
type Table struct {
	self NodeID
	log  log.Logger

	mu      sync.Mutex
	buckets [nBuckets]*bucket
}

// NewTable creates an empty routing table around the local ID.
func NewTable(self NodeID) *Table {
	t := &Table{self: self, log: log.New("pkg", "discover")}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Self returns the local node ID.
func (t *Table) Self() NodeID {
	return t.self
}

func (t *Table) bucketFor(id NodeID) *bucket {
	d := LogDist(t.self, id)
	if d <= bucketMinDist {
		return t.buckets[0]
	}
	return t.buckets[d-bucketMinDist]
}

// AddSeenNode records contact with a node. Known nodes move to the front of
// their bucket; new nodes fill free slots or the replacement list.
func (t *Table) AddSeenNode(n *Node) {
	if n.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(n.ID)
	if moveToFront(b.entries, n.ID) {
		return
	}
	if len(b.entries) < BucketSize {
		n.addedAt = time.Now()
		b.entries = append([]*Node{n}, b.entries...)
		removeByID(&b.replacements, n.ID)
		return
	}
	// Bucket full: keep as replacement for the next eviction.
	removeByID(&b.replacements, n.ID)
	b.replacements = append([]*Node{n}, b.replacements...)
	if len(b.replacements) > BucketSize {
		b.replacements = b.replacements[:BucketSize]
	}
}

// ReplaceDead drops an unresponsive node and promotes the freshest
// replacement candidate in its place.
func (t *Table) ReplaceDead(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(id)
	if !removeByID(&b.entries, id) {
		return
	}
	if len(b.replacements) > 0 {
		promoted := b.replacements[0]
		b.replacements = b.replacements[1:]
		promoted.addedAt = time.Now()
		b.entries = append(b.entries, promoted)
		t.log.Debug("Promoted replacement node", "dead", id, "new", promoted.ID)
	}
}

// nodeToRevalidate returns the least recently seen entry of a random
// non-empty bucket, the next candidate for a liveness ping.
func (t *Table) nodeToRevalidate() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, i := range rand.Perm(len(t.buckets)) {
		b := t.buckets[i]
		if len(b.entries) > 0 {
			cp := *b.entries[len(b.entries)-1]
			return &cp
		}
	}
	return nil
}

// Closest returns up to max nodes from the table ordered by distance to
// target.
func (t *Table) Closest(target NodeID, max int) []*Node {
	t.mu.Lock()
	var all []*Node
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return DistCmp(target, all[i].ID, all[j].ID) < 0
	})
	if len(all) > max {
		all = all[:max]
	}
	// Copies, so callers cannot mutate table state.
	out := make([]*Node, len(all))
	for i, n := range all {
		cp := *n
		out[i] = &cp
	}
	return out
}

// Len returns the total number of table entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// Nodes returns copies of every table entry.
func (t *Table) Nodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Node
	for _, b := range t.buckets {
		for _, n := range b.entries {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

func moveToFront(entries []*Node, id NodeID) bool {
	for i, n := range entries {
		if n.ID == id {
			copy(entries[1:i+1], entries[:i])
			entries[0] = n
			return true
		}
	}
	return false
}

func removeByID(list *[]*Node, id NodeID) bool {
	for i, n := range *list {
		if n.ID == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
