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

// acp runs an agent collaboration platform node: signed peer messaging,
// agent registry, token ledger, reputation, transactions and discovery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli/v2"

	"github.com/acp-project/go-acp/contract"
	"github.com/acp-project/go-acp/crypto/keystore"
	"github.com/acp-project/go-acp/discover"
	"github.com/acp-project/go-acp/ledger"
	"github.com/acp-project/go-acp/log"
	"github.com/acp-project/go-acp/messaging"
	"github.com/acp-project/go-acp/metrics"
	"github.com/acp-project/go-acp/node"
	"github.com/acp-project/go-acp/registry"
	"github.com/acp-project/go-acp/relay"
	"github.com/acp-project/go-acp/reputation"
	"github.com/acp-project/go-acp/session"
	"github.com/acp-project/go-acp/storage"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	entityFlag = &cli.StringFlag{
		Name:  "entity",
		Usage: "Entity ID of this node",
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for keys, wallets and state",
		EnvVars: []string{"ACP_DATA_DIR"},
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP listening address",
	}
	corsFlag = &cli.StringFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins allowed by CORS",
	}
	passwordFlag = &cli.StringFlag{
		Name:    "password",
		Usage:   "Passphrase unlocking the node key",
		EnvVars: []string{"ACP_KEY_PASSWORD"},
	}
	jwtSecretFlag = &cli.StringFlag{
		Name:    "jwt.secret",
		Usage:   "HS256 secret for bearer tokens",
		EnvVars: []string{"ACP_JWT_SECRET"},
	}
	encryptFlag = &cli.BoolFlag{
		Name:  "encrypt",
		Usage: "Seal message payloads with the session key",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit .. 5=trace",
		Value: int(log.LvlInfo),
	}
	dhtEnableFlag = &cli.BoolFlag{
		Name:  "dht",
		Usage: "Enable Kademlia peer discovery",
	}
	dhtListenFlag = &cli.StringFlag{
		Name:  "dht.listen",
		Usage: "UDP listening address for discovery",
	}
	bootnodesFlag = &cli.StringFlag{
		Name:  "bootnodes",
		Usage: "Comma separated discovery bootnodes (id@host:port)",
	}
	relayEnableFlag = &cli.BoolFlag{
		Name:  "relay",
		Usage: "Serve as a message relay for NATed peers",
	}
)

func main() {
	app := &cli.App{
		Name:  "acp",
		Usage: "agent collaboration platform node",
		Flags: []cli.Flag{
			configFlag, entityFlag, dataDirFlag, httpAddrFlag, corsFlag,
			passwordFlag, jwtSecretFlag, encryptFlag, verbosityFlag,
			dhtEnableFlag, dhtListenFlag, bootnodesFlag, relayEnableFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	lvl := log.Lvl(ctx.Int(verbosityFlag.Name))
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := log.New("entity", cfg.EntityID)

	// Identity. The node key lives encrypted in the keystore and is created
	// on first run.
	ks := keystore.NewKeyStore(filepath.Join(cfg.DataDir, "keys"))
	password := ctx.String(passwordFlag.Name)
	var key *keystore.Key
	if ks.HasKey(cfg.EntityID) {
		key, err = ks.GetKey(cfg.EntityID, password)
	} else {
		logger.Info("Creating node key")
		key, err = ks.NewKey(cfg.EntityID, password)
	}
	if err != nil {
		return fmt.Errorf("cannot unlock node key: %w", err)
	}

	store, err := storage.NewStore(filepath.Join(cfg.DataDir, "data"))
	if err != nil {
		return err
	}
	reg := metrics.DefaultRegistry

	// Economy.
	led, err := ledger.New(store, reg)
	if err != nil {
		return err
	}
	tasks, err := ledger.NewTaskManager(led, store)
	if err != nil {
		return err
	}
	rep := reputation.NewLedger(store)

	// Directory and discovery.
	agents, err := registry.New(store, nil)
	if err != nil {
		return err
	}
	var dht *discover.DHT
	if cfg.DHT.Enable {
		bootnodes, err := parseBootnodes(cfg.DHT.Bootnodes)
		if err != nil {
			return err
		}
		dht, err = discover.NewDHT(discover.Config{
			Keypair:    key.Keypair,
			ListenAddr: cfg.DHT.ListenAddr,
			Bootnodes:  bootnodes,
			NodeDBPath: filepath.Join(cfg.DataDir, "nodes"),
			Metrics:    reg,
		})
		if err != nil {
			return err
		}
	}
	resolver := chainResolver{agents}
	if dht != nil {
		resolver = append(resolver, dht)
	}

	// Messaging.
	sessions := session.NewManager(session.DefaultConfig())
	keys := messaging.NewKeyDirectory()
	keys.Register(cfg.EntityID, key.Keypair.PublicKey())
	proc := messaging.NewProcessor(messaging.Config{
		EntityID: cfg.EntityID,
		Keypair:  key.Keypair,
		Encrypt:  cfg.Encrypt,
	}, keys, sessions, resolver, reg)

	// Transactions.
	escrow := contract.NewEscrowManager(led, store)
	engine := contract.NewEngine(contract.Config{
		EntityID: cfg.EntityID,
		Keypair:  key.Keypair,
	}, proc, escrow, rep, store)

	var relaySvc *relay.Service
	if cfg.Relay.Enable {
		relaySvc = relay.NewService(cfg.EntityID, reg)
	}

	queue, err := storage.OpenOfflineQueue(filepath.Join(cfg.DataDir, "offline.db"))
	if err != nil {
		return err
	}

	n, err := node.New(node.Config{
		EntityID:     cfg.EntityID,
		Keypair:      key.Keypair,
		HTTPAddr:     cfg.HTTPAddr,
		CORSOrigins:  cfg.CORSOrigins,
		JWTSecret:    []byte(ctx.String(jwtSecretFlag.Name)),
		APIKeyHashes: cfg.APIKeyHashes,
	}, node.Services{
		Processor:  proc,
		Sessions:   sessions,
		Registry:   agents,
		Ledger:     led,
		Tasks:      tasks,
		Reputation: rep,
		Engine:     engine,
		Escrow:     escrow,
		Relay:      relaySvc,
		DHT:        dht,
		Queue:      queue,
		Resolver:   resolver,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := n.Start(); err != nil {
			return err
		}
		if dht != nil {
			if err := dht.Publish(cfg.EntityID, "http://"+n.HTTPAddr(), nil); err != nil {
				logger.Warn("Cannot publish peer record", "err", err)
			}
		}
		<-gctx.Done()
		n.Stop()
		return nil
	})
	return g.Wait()
}

// chainResolver tries each resolver in order.
type chainResolver []messaging.EndpointResolver

func (c chainResolver) Endpoint(entityID string) (string, error) {
	var lastErr error
	for _, r := range c {
		endpoint, err := r.Endpoint(entityID)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured")
	}
	return "", lastErr
}
