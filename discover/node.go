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

// Package discover implements Kademlia-style peer discovery: 160-bit node
// IDs in XOR metric space, a k-bucket routing table, iterative lookups and a
// signed peer-record store with republish.
package discover

import (
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"net"
	"strings"
	"time"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
)

// IDBits is the identifier width of the XOR metric space.
const IDBits = 160

// NodeID is a 160-bit Kademlia identifier, the SHA-1 of the node's Ed25519
// public key.
type NodeID [IDBits / 8]byte

// IDFromPubkey derives the node ID from a public key.
func IDFromPubkey(pub ed25519.PublicKey) NodeID {
	return NodeID(sha1.Sum(pub))
}

// IDFromEntity derives the content ID under which an entity's peer record is
// stored.
func IDFromEntity(entityID string) NodeID {
	return NodeID(sha1.Sum([]byte(entityID)))
}

// HexID parses a hex node ID.
func HexID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid node ID %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON encodes the ID as a hex string. The byte-array default would
// blow packets carrying full neighbor lists past the UDP read buffer.
func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses a hex-encoded ID.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HexID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance returns the XOR distance between two IDs.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// LogDist returns the logarithmic distance between two IDs: the index of the
// highest differing bit, or -1 for equal IDs. It selects the k-bucket.
func LogDist(a, b NodeID) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(x)
			break
		}
	}
	return IDBits - 1 - lz
}

// DistCmp compares the distances target<->a and target<->b. It returns -1 if
// a is closer, 1 if b is closer and 0 when equal.
func DistCmp(target, a, b NodeID) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// Node is one routing table entry.
type Node struct {
	ID   NodeID       `json:"id"`
	Addr *net.UDPAddr `json:"-"`

	// Wire form of the address.
	IP   string `json:"ip"`
	Port int    `json:"port"`

	addedAt time.Time
}

// NewNode builds a node from its ID and UDP address.
func NewNode(id NodeID, addr *net.UDPAddr) *Node {
	return &Node{ID: id, Addr: addr, IP: addr.IP.String(), Port: addr.Port}
}

// UDPAddr returns the node's address, rebuilding it from the wire form when
// needed.
func (n *Node) UDPAddr() *net.UDPAddr {
	if n.Addr == nil {
		n.Addr = &net.UDPAddr{IP: net.ParseIP(n.IP), Port: n.Port}
	}
	return n.Addr
}

func (n *Node) String() string {
	return fmt.Sprintf("%s@%s:%d", n.ID, n.IP, n.Port)
}

// PeerInfo is the signed record stored in the DHT under an entity's content
// ID. Expired or unverifiable records are not served.
type PeerInfo struct {
	EntityID     string    `json:"entity_id"`
	Endpoint     string    `json:"endpoint"`
	PublicKey    string    `json:"public_key"`
	Capabilities []string  `json:"capabilities,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	Signature    string    `json:"signature,omitempty"`
}

func (p *PeerInfo) preimage() []byte {
	return []byte(strings.Join([]string{
		p.EntityID, p.Endpoint, p.PublicKey,
		strings.Join(p.Capabilities, ","),
		p.PublishedAt.UTC().Format(time.RFC3339Nano),
	}, "|"))
}

// Sign attaches the publisher's signature.
func (p *PeerInfo) Sign(kp *crypto.Keypair) {
	p.PublicKey = kp.PublicKeyHex()
	p.Signature = base64.StdEncoding.EncodeToString(kp.Sign(p.preimage()))
}

// Verify checks the record signature under its embedded public key.
func (p *PeerInfo) Verify() error {
	pub, err := crypto.ParsePublicKeyHex(p.PublicKey)
	if err != nil {
		return errs.New(errs.InvalidSignature, "peer record %s carries a bad public key", p.EntityID)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return errs.New(errs.InvalidSignature, "peer record %s signature is not valid base64", p.EntityID)
	}
	if err := crypto.Verify(pub, p.preimage(), raw); err != nil {
		return errs.New(errs.InvalidSignature, "peer record %s signature invalid", p.EntityID)
	}
	return nil
}
