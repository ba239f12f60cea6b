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

package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/acp-project/go-acp/discover"
)

// config is the TOML-loadable node configuration. Flags override file
// values; secrets come from the environment.
type config struct {
	EntityID    string
	DataDir     string
	HTTPAddr    string
	CORSOrigins []string
	Encrypt     bool
	// APIKeyHashes are hex SHA-256 digests of accepted API keys.
	APIKeyHashes []string

	DHT   dhtConfig
	Relay relayConfig
}

type dhtConfig struct {
	Enable     bool
	ListenAddr string
	Bootnodes  []string
}

type relayConfig struct {
	Enable bool
}

func defaultConfig() config {
	return config{
		DataDir:  defaultDataDir(),
		HTTPAddr: "127.0.0.1:8544",
		DHT:      dhtConfig{ListenAddr: "0.0.0.0:30355"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("ACP_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".acp"
	}
	return home + "/.acp"
}

// loadConfig reads the TOML file, then applies flag overrides.
func loadConfig(ctx *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("cannot open config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if ctx.IsSet(entityFlag.Name) {
		cfg.EntityID = ctx.String(entityFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTPAddr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(corsFlag.Name) {
		cfg.CORSOrigins = splitAndTrim(ctx.String(corsFlag.Name))
	}
	if ctx.IsSet(encryptFlag.Name) {
		cfg.Encrypt = ctx.Bool(encryptFlag.Name)
	}
	if ctx.IsSet(dhtEnableFlag.Name) {
		cfg.DHT.Enable = ctx.Bool(dhtEnableFlag.Name)
	}
	if ctx.IsSet(dhtListenFlag.Name) {
		cfg.DHT.ListenAddr = ctx.String(dhtListenFlag.Name)
	}
	if ctx.IsSet(bootnodesFlag.Name) {
		cfg.DHT.Bootnodes = splitAndTrim(ctx.String(bootnodesFlag.Name))
	}
	if ctx.IsSet(relayEnableFlag.Name) {
		cfg.Relay.Enable = ctx.Bool(relayEnableFlag.Name)
	}

	if cfg.EntityID == "" {
		return cfg, fmt.Errorf("an entity ID is required (--%s)", entityFlag.Name)
	}
	return cfg, nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseBootnodes parses "id@host:port" node designators.
func parseBootnodes(specs []string) ([]*discover.Node, error) {
	var nodes []*discover.Node
	for _, spec := range specs {
		at := strings.IndexByte(spec, '@')
		if at < 0 {
			return nil, fmt.Errorf("bootnode %q: want id@host:port", spec)
		}
		id, err := discover.HexID(spec[:at])
		if err != nil {
			return nil, fmt.Errorf("bootnode %q: %w", spec, err)
		}
		host, portStr, err := net.SplitHostPort(spec[at+1:])
		if err != nil {
			return nil, fmt.Errorf("bootnode %q: %w", spec, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("bootnode %q: bad port: %w", spec, err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("bootnode %q: bad IP", spec)
		}
		nodes = append(nodes, discover.NewNode(id, &net.UDPAddr{IP: ip, Port: port}))
	}
	return nodes, nil
}
