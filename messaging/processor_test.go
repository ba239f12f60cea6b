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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/acp-project/go-acp/crypto"
	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/session"
)

// endpointMap resolves entity IDs to the test servers backing them.
type endpointMap struct {
	mu sync.Mutex
	m  map[string]string
}

func (e *endpointMap) set(entity, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[entity] = url
}

func (e *endpointMap) Endpoint(entity string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	url, ok := e.m[entity]
	if !ok {
		return "", errs.New(errs.UnknownRecipient, "no endpoint for %s", entity)
	}
	return url, nil
}

// testPeer is one live protocol endpoint: a processor served over HTTP,
// recording every task_update payload its handler receives.
type testPeer struct {
	entity string
	proc   *Processor

	mu  sync.Mutex
	got []string
}

func (p *testPeer) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func newTestPeer(t *testing.T, entity string, keys *KeyDirectory, eps *endpointMap) *testPeer {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	keys.Register(entity, kp.PublicKey())

	proc := NewProcessor(Config{EntityID: entity, Keypair: kp}, keys, session.NewManager(session.DefaultConfig()), eps, metrics.NewRegistry())
	p := &testPeer{entity: entity, proc: proc}
	proc.Handle("task_update", func(m *Message) (*Message, error) {
		p.mu.Lock()
		p.got = append(p.got, string(m.Payload))
		p.mu.Unlock()
		return nil, nil
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": string(errs.InvalidJSON)})
			return
		}
		reply, err := proc.Receive(&m, false)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": string(errs.CodeOf(err))})
			return
		}
		resp := map[string]interface{}{"status": "received"}
		if reply != nil {
			resp["reply"] = reply
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	eps.set(entity, srv.URL)
	return p
}

// Two processors over live HTTP: the handshake must establish the session
// without occupying the receive window, and every subsequent payload must
// reach the peer's handler in send order.
func TestProcessorRoundTrip(t *testing.T) {
	keys := NewKeyDirectory()
	eps := &endpointMap{m: make(map[string]string)}
	alice := newTestPeer(t, "alice", keys, eps)
	bob := newTestPeer(t, "bob", keys, eps)

	for _, payload := range []string{"one", "two", "three"} {
		reply, err := alice.proc.Send(context.Background(), "bob", "task_update", []byte(payload))
		if err != nil {
			t.Fatalf("Send(%s): %v", payload, err)
		}
		if reply != nil && reply.MsgType == TypeNack {
			t.Fatalf("Send(%s) was answered with a nack: %s", payload, reply.Payload)
		}
	}

	got := bob.delivered()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("delivered = %v, want [one two three]", got)
	}

	// The handshake consumed no sequence number on either side.
	sess, ok := bob.proc.sessions.Peer("bob", "alice")
	if !ok {
		t.Fatal("no session on the receiving side")
	}
	if sess.State() != session.StateActive {
		t.Fatalf("receiver session state = %s", sess.State())
	}
	if next := sess.NextExpected(); next != 4 {
		t.Fatalf("receiver next expected sequence = %d, want 4", next)
	}
}

func TestProcessorRejectsReplayOverHTTP(t *testing.T) {
	keys := NewKeyDirectory()
	eps := &endpointMap{m: make(map[string]string)}
	alice := newTestPeer(t, "alice", keys, eps)
	bob := newTestPeer(t, "bob", keys, eps)

	if _, err := alice.proc.Send(context.Background(), "bob", "task_update", []byte("once")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := bob.delivered(); len(got) != 1 {
		t.Fatalf("delivered = %v, want one payload", got)
	}

	// A bit-identical retransmission of the data message must be rejected
	// without reaching the handler again.
	key := historyKey(mustSession(t, alice.proc, "bob").ID, 1)
	v, ok := alice.proc.history.Get(key)
	if !ok {
		t.Fatal("sent message missing from send history")
	}
	_, err := bob.proc.Receive(v.(*Message), false)
	if !errs.HasCode(err, errs.ReplayDetected) {
		t.Fatalf("replay: %v", err)
	}
	if got := bob.delivered(); len(got) != 1 {
		t.Fatalf("delivered after replay = %v, want one payload", got)
	}
}

func mustSession(t *testing.T, p *Processor, remote string) *session.Session {
	t.Helper()
	sess, ok := p.sessions.Peer(p.cfg.EntityID, remote)
	if !ok {
		t.Fatalf("no session toward %s", remote)
	}
	return sess
}
