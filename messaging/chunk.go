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

package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acp-project/go-acp/common/mclock"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/log"
)

// DefaultChunkSize is the payload threshold above which messages are split,
// and the size of each fragment.
const DefaultChunkSize = 32 * 1024

// TransferExpiry is how long an incomplete transfer is retained.
const TransferExpiry = 30 * time.Minute

// checksumHexLen is the length of the SHA-256 prefix checksum carried by each
// chunk: the first 16 digest bytes in hex.
const checksumHexLen = 32

// Transfer states.
const (
	TransferReceiving = "receiving"
	TransferComplete  = "complete"
)

// ChunkInit announces a chunked transfer. It travels as the payload of a
// chunk_init message and is followed by TotalChunks chunk messages.
type ChunkInit struct {
	TransferID  string            `json:"transfer_id"`
	TotalChunks int               `json:"total_chunks"`
	TotalSize   int               `json:"total_size"`
	MsgType     string            `json:"msg_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Chunk is one fragment of a chunked transfer.
type Chunk struct {
	TransferID  string `json:"transfer_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        []byte `json:"data"`
	Checksum    string `json:"checksum"`
}

// chunkChecksum returns the 32-hex-char SHA-256 prefix of data.
func chunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:checksumHexLen]
}

// SplitPayload fragments a payload into a transfer announcement plus chunks
// of at most chunkSize bytes. The original msgType is carried in the
// announcement so the receiver can dispatch the reassembled message.
func SplitPayload(msgType string, payload []byte, chunkSize int) (*ChunkInit, []*Chunk) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	init := &ChunkInit{
		TransferID:  uuid.NewString(),
		TotalChunks: total,
		TotalSize:   len(payload),
		MsgType:     msgType,
	}
	chunks := make([]*Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		data := payload[start:end]
		chunks = append(chunks, &Chunk{
			TransferID:  init.TransferID,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        data,
			Checksum:    chunkChecksum(data),
		})
	}
	return init, chunks
}

type transfer struct {
	init       ChunkInit
	sender     string
	recipient  string
	chunks     map[int][]byte
	received   int
	receivedAt mclock.AbsTime
	status     string
}

// Reassembler collects chunks into complete payloads. Chunks may arrive in
// any order; completed transfers are assembled by ascending index. Transfers
// idle past TransferExpiry are garbage collected by Expire.
type Reassembler struct {
	clock mclock.Clock
	log   log.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
}

// NewReassembler creates an empty reassembler.
func NewReassembler(clock mclock.Clock) *Reassembler {
	return &Reassembler{
		clock:     clock,
		log:       log.New("pkg", "messaging"),
		transfers: make(map[string]*transfer),
	}
}

// HandleInit registers transfer state announced by a chunk_init message.
func (r *Reassembler) HandleInit(sender, recipient string, init *ChunkInit) error {
	if init.TotalSize > MaxMessageSize {
		return errs.New(errs.MessageTooLarge, "transfer %s announces %d bytes", init.TransferID, init.TotalSize)
	}
	if init.TotalChunks <= 0 {
		return errs.New(errs.InvalidJSON, "transfer %s announces %d chunks", init.TransferID, init.TotalChunks)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[init.TransferID] = &transfer{
		init:       *init,
		sender:     sender,
		recipient:  recipient,
		chunks:     make(map[int][]byte),
		receivedAt: r.clock.Now(),
		status:     TransferReceiving,
	}
	return nil
}

// HandleChunk stores one fragment. When the final fragment arrives, the
// reassembled payload and its original message type are returned with
// done=true and the transfer state is released. A chunk for an unannounced
// transfer fails with UNKNOWN_TRANSFER; a checksum mismatch drops the chunk
// so the sender can be NACKed.
func (r *Reassembler) HandleChunk(c *Chunk) (msgType string, payload []byte, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[c.TransferID]
	if !ok {
		return "", nil, false, errs.New(errs.UnknownTransfer, "chunk for unknown transfer %s", c.TransferID)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= t.init.TotalChunks {
		return "", nil, false, errs.New(errs.InvalidJSON, "chunk index %d out of range for transfer %s", c.ChunkIndex, c.TransferID)
	}
	if chunkChecksum(c.Data) != c.Checksum {
		return "", nil, false, errs.New(errs.InvalidJSON, "checksum mismatch on chunk %d of transfer %s", c.ChunkIndex, c.TransferID)
	}
	if _, dup := t.chunks[c.ChunkIndex]; dup {
		return "", nil, false, nil
	}
	t.chunks[c.ChunkIndex] = c.Data
	t.received++
	t.receivedAt = r.clock.Now()

	if t.received < t.init.TotalChunks {
		return "", nil, false, nil
	}

	// All fragments present, assemble by ascending index.
	assembled := make([]byte, 0, t.init.TotalSize)
	for i := 0; i < t.init.TotalChunks; i++ {
		assembled = append(assembled, t.chunks[i]...)
	}
	if len(assembled) > MaxMessageSize {
		delete(r.transfers, c.TransferID)
		return "", nil, false, errs.New(errs.MessageTooLarge, "transfer %s reassembled to %d bytes", c.TransferID, len(assembled))
	}
	t.status = TransferComplete
	delete(r.transfers, c.TransferID)
	return t.init.MsgType, assembled, true, nil
}

// Expire drops transfers that have been idle longer than maxAge and returns
// how many were dropped.
func (r *Reassembler) Expire(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var dropped int
	for id, t := range r.transfers {
		if now.Sub(t.receivedAt) > maxAge {
			delete(r.transfers, id)
			dropped++
		}
	}
	if dropped > 0 {
		r.log.Debug("Expired chunk transfers", "count", dropped)
	}
	return dropped
}

// Pending returns the number of in-flight transfers.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}
