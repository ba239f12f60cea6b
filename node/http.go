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

package node

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/acp-project/go-acp/errs"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/registry"
)

const (
	maxBodySize     = messaging.MaxMessageSize
	shutdownTimeout = 5 * time.Second
)

// httpServer owns the node's HTTP listener and its graceful lifecycle.
type httpServer struct {
	log      log.Logger
	endpoint string
	server   *http.Server
	listener net.Listener
}

func newHTTPServer(endpoint string, handler http.Handler, corsOrigins []string, logger log.Logger) *httpServer {
	if len(corsOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			MaxAge:         600,
		})
		handler = c.Handler(handler)
	}
	return &httpServer{
		log:      logger,
		endpoint: endpoint,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

func (h *httpServer) start() error {
	listener, err := net.Listen("tcp", h.endpoint)
	if err != nil {
		return err
	}
	h.listener = listener
	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.log.Error("HTTP server failed", "err", err)
		}
	}()
	h.log.Info("HTTP server started", "endpoint", listener.Addr())
	return nil
}

func (h *httpServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.log.Warn("Forcing HTTP server close", "err", err)
		h.server.Close()
	}
	h.log.Info("HTTP server stopped", "endpoint", h.endpoint)
}

// addr returns the bound listener address, or the configured endpoint before
// start.
func (h *httpServer) addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.endpoint
}

// httpStatusFor maps taxonomy codes to HTTP statuses. Clients rely on 4xx
// codes being terminal and 5xx being retriable.
func httpStatusFor(code errs.Code) int {
	switch code {
	case errs.InvalidVersion, errs.InvalidJSON, errs.ExpiredTimestamp,
		errs.ReplayDetected, errs.InvalidSignature, errs.SequenceError,
		errs.InvalidAmount, errs.InsufficientFunds, errs.QuoteExpired,
		errs.AgreementExpired, errs.SessionExpired:
		return http.StatusBadRequest
	case errs.Unauthenticated, errs.UnknownSender, errs.TokenExpired:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.UnknownRecipient, errs.WalletNotFound, errs.SessionNotFound, errs.UnknownTransfer:
		return http.StatusNotFound
	case errs.DuplicateTransaction, errs.StateTransitionInvalid:
		return http.StatusConflict
	case errs.MessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the error code only; messages stay in the node's logs.
func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(code))
	json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return errs.New(errs.InvalidJSON, "cannot read body: %v", err)
	}
	if len(body) > maxBodySize {
		return errs.New(errs.MessageTooLarge, "body exceeds %d bytes", maxBodySize)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.New(errs.InvalidJSON, "malformed body: %v", err)
	}
	return nil
}

// newMux wires all HTTP routes against the node's services.
func (n *Node) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(messaging.MessagePath, n.handleMessage(false))
	mux.HandleFunc(messaging.LegacyMessagePath, n.handleMessage(true))
	mux.HandleFunc(messaging.HealthPath, n.handleHealth)
	mux.HandleFunc(messaging.PublicKeyPath, n.handlePublicKey)

	mux.HandleFunc("/marketplace/services", n.handleServices)
	mux.HandleFunc("/marketplace/services/heartbeat", n.handleHeartbeat)
	mux.HandleFunc("/marketplace/tasks", n.handleTasks)

	mux.HandleFunc("/token/balance/", n.handleBalance)
	mux.HandleFunc("/economy/transfer", n.handleTransfer)
	mux.HandleFunc("/economy/mint", n.handleMint)
	return mux
}

func (n *Node) handleMessage(legacy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var m messaging.Message
		if err := readBody(w, r, &m); err != nil {
			writeError(w, err)
			return
		}
		reply, err := n.processor.Receive(&m, legacy)
		if err != nil {
			n.log.Debug("Message rejected", "sender", m.SenderID, "type", m.MsgType, "err", err)
			writeError(w, err)
			return
		}
		if reply == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "received"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "received", "reply": reply})
	}
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := map[string]interface{}{
		"status":    "healthy",
		"version":   messaging.Version,
		"entity_id": n.cfg.EntityID,
		"uptime_s":  int64(time.Since(n.started).Seconds()),
		"messaging": n.processor.Stats(),
	}
	if n.registry != nil {
		health["registered_agents"] = n.registry.Len()
	}
	if n.ledger != nil {
		health["supply"] = n.ledger.Supply()
	}
	if n.relaySvc != nil {
		health["relay"] = n.relaySvc.Stats()
	}
	if n.dht != nil {
		health["dht_nodes"] = n.dht.Table().Len()
	}
	writeJSON(w, http.StatusOK, health)
}

func (n *Node) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, &messaging.PublicKeyInfo{
		EntityID:  n.cfg.EntityID,
		PublicKey: n.cfg.Keypair.PublicKeyHex(),
		Algorithm: "Ed25519",
	})
}

func (n *Node) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if capability := r.URL.Query().Get("capability"); capability != "" {
			writeJSON(w, http.StatusOK, n.registry.FindByCapability(capability))
			return
		}
		writeJSON(w, http.StatusOK, n.registry.List())
	case http.MethodPost:
		var e registry.Entry
		if err := readBody(w, r, &e); err != nil {
			writeError(w, err)
			return
		}
		if err := n.registry.Register(&e); err != nil {
			writeError(w, err)
			return
		}
		// Registered agents become reachable senders.
		if pub, err := e.Pub(); err == nil {
			n.processor.Keys().Register(e.EntityID, pub)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (n *Node) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EntityID string `json:"entity_id"`
	}
	if err := readBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := n.registry.Heartbeat(req.EntityID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (n *Node) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, n.tasks.List(r.URL.Query().Get("status")))
	case http.MethodPost:
		claims, err := n.auth.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req struct {
			CreatorID   string        `json:"creator_id"`
			Description string        `json:"description"`
			Reward      ledger.Amount `json:"reward"`
			RewardType  string        `json:"reward_type"`
		}
		if err := readBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if claims != nil && claims.Subject != req.CreatorID && claims.Role != RoleTreasury {
			writeError(w, errs.New(errs.Forbidden, "token subject %s cannot create for %s", claims.Subject, req.CreatorID))
			return
		}
		t, err := n.tasks.Create(req.CreatorID, req.Description, req.Reward, req.RewardType)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (n *Node) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entity := strings.TrimPrefix(r.URL.Path, "/token/balance/")
	if entity == "" {
		writeError(w, errs.New(errs.InvalidJSON, "missing entity ID"))
		return
	}
	balance, err := n.ledger.Balance(entity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entity,
		"balance":   balance,
	})
}

func (n *Node) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, err := n.auth.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		FromEntity  string        `json:"from_entity"`
		ToEntity    string        `json:"to_entity"`
		Amount      ledger.Amount `json:"amount"`
		Description string        `json:"description,omitempty"`
	}
	if err := readBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	// A bearer token moves only its own subject's funds.
	if claims != nil && claims.Subject != req.FromEntity && claims.Role != RoleTreasury {
		writeError(w, errs.New(errs.Forbidden, "token subject %s cannot spend for %s", claims.Subject, req.FromEntity))
		return
	}
	if err := n.ledger.Transfer(req.FromEntity, req.ToEntity, req.Amount, req.Description); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (n *Node) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, err := n.auth.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireRole(claims, RoleTreasury); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Recipient   string        `json:"recipient"`
		Amount      ledger.Amount `json:"amount"`
		Description string        `json:"description,omitempty"`
	}
	if err := readBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := n.ledger.Mint(req.Recipient, req.Amount, req.Description); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "minted"})
}
