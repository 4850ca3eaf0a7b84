// cmd/clawmeshd/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ssd-technologies/clawmesh/internal/discovery"
	"github.com/ssd-technologies/clawmesh/internal/identity"
	"github.com/ssd-technologies/clawmesh/internal/node"
	"github.com/ssd-technologies/clawmesh/internal/trust"
)

const defaultScanIntervalMs = 5000

func main() {
	args := os.Args[1:]

	configPath := parseFlag(args, "--config", "")
	stateDir := parseFlag(args, "--state-dir", defaultStateDir())
	listenAddr := parseFlag(args, "--listen", "0.0.0.0:7420")
	displayName := parseFlag(args, "--display-name", "")

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Join(stateDir, "identity"), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: creating state dir: %v\n", err)
		os.Exit(1)
	}

	passphrase := parseFlag(args, "--passphrase", os.Getenv("CLAWMESH_PASSPHRASE"))
	keyPath := filepath.Join(stateDir, "identity", "device.key")
	var id *identity.Identity
	if passphrase != "" {
		id, err = identity.LoadOrCreateWithPassphrase(keyPath, passphrase)
	} else {
		id, err = identity.LoadOrCreate(keyPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading identity: %v\n", err)
		os.Exit(1)
	}

	trustStore, err := trust.NewFileStore(filepath.Join(stateDir, "mesh", "trusted-peers.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading trust store: %v\n", err)
		os.Exit(1)
	}

	if displayName == "" {
		displayName = id.DeviceID[:12]
	}

	runtimeCfg := node.Config{
		Identity:     id,
		TrustStore:   trustStore,
		ListenAddr:   listenAddr,
		DisplayName:  displayName,
		Capabilities: cfg.Capabilities,
		Peers:        cfg.peerConfigs(),
		Logger:       log.New(os.Stderr, "clawmeshd: ", log.LstdFlags),
	}

	if cfg.Enabled {
		scanInterval := time.Duration(cfg.ScanIntervalMs) * time.Millisecond
		if scanInterval <= 0 {
			scanInterval = defaultScanIntervalMs * time.Millisecond
		}
		backend := discovery.NewMulticastBackend(discovery.MulticastConfig{
			SelfDeviceID:    id.DeviceID,
			SelfDisplayName: displayName,
			ScanInterval:    scanInterval,
			Logger:          runtimeCfg.Logger,
		})
		runtimeCfg.Discovery = discovery.NewManager(id.DeviceID, []discovery.Backend{backend}, runtimeCfg.Logger)
	}

	rt, err := node.NewRuntime(runtimeCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: constructing runtime: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting runtime: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("clawmeshd listening on %s, deviceId=%s\n", rt.Addr(), rt.DeviceID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: stopping runtime: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Stopped.")
}

// config mirrors the recognized configuration keys: enabled,
// scanIntervalMs, capabilities, peers. DisallowUnknownFields rejects
// anything else.
type config struct {
	Enabled        bool         `json:"enabled"`
	ScanIntervalMs int          `json:"scanIntervalMs"`
	Capabilities   []string     `json:"capabilities"`
	Peers          []configPeer `json:"peers"`
}

type configPeer struct {
	URL            string `json:"url"`
	DeviceID       string `json:"deviceId"`
	TLSFingerprint string `json:"tlsFingerprint,omitempty"`
}

func (c config) peerConfigs() []node.PeerConfig {
	out := make([]node.PeerConfig, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, node.PeerConfig{URL: p.URL, DeviceID: p.DeviceID, TLSFingerprint: p.TLSFingerprint})
	}
	return out
}

func loadConfig(path string) (config, error) {
	if path == "" {
		return config{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var c config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawmesh"
	}
	return filepath.Join(home, ".clawmesh")
}

// parseFlag looks up --name=value or --name value forms, returning def if
// absent.
func parseFlag(args []string, name, def string) string {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return def
}
