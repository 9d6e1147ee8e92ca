package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"SigMesh/internal/api"
	"SigMesh/internal/bls"
	"SigMesh/internal/engine"
	"SigMesh/internal/epoch"
	"SigMesh/internal/logger"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
	"SigMesh/internal/storage"
)

// Node represents a running SigMesh node.
type Node struct {
	cfg      *Config
	storage  *storage.Storage
	blsKey   *bls.KeyPair       // blsKey is derived from the Ed25519 identity key
	clock    *epoch.Clock       // clock tracks per-chain epoch watermarks
	registry *registry.Registry // registry holds versioned validator sets
	store    *request.Store     // store holds signing requests
	notifier *notify.Notifier   // notifier fans out events to subscribers
	engine   *engine.Engine     // engine drives signature aggregation
	api      *api.Server        // api is the HTTP and websocket surface
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initKeys(); err != nil {
		return nil, err
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initComponents(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initKeys derives the node's BLS signing key from its Ed25519 identity.
func (n *Node) initKeys() error {
	key, err := bls.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	n.blsKey = key

	logger.Info("bls key derived", "pubkey", hex.EncodeToString(key.PublicKeyBytes())[:16])

	return nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initComponents wires the clock, registry, request store, notifier,
// aggregation engine and API server, restoring persisted state.
func (n *Node) initComponents() error {
	clock, err := epoch.New(n.storage)
	if err != nil {
		return fmt.Errorf("init epoch clock:\n%w", err)
	}

	n.clock = clock

	reg, err := registry.New(n.storage,
		registry.WithHistoryLimit(n.cfg.EpochHistory),
		registry.WithLocalKey(engine.KeyTagBLS, n.blsKey.PublicKeyBytes()),
	)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	n.registry = reg

	store, err := request.NewStore(n.storage)
	if err != nil {
		return fmt.Errorf("init request store:\n%w", err)
	}

	n.store = store
	n.notifier = notify.New(n.cfg.EventHistory)

	n.engine = engine.New(store, reg, clock, n.notifier, engine.Config{
		RequestTimeout: n.cfg.RequestTimeout,
	})

	n.api = api.New(n.cfg.HTTPAddress, n.engine, store, reg, clock, n.notifier)

	return nil
}

// Run starts the node and blocks until shutdown.
func (n *Node) Run() error {
	n.engine.Start()

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("node running",
		"suggested_epoch", n.clock.Suggested(),
		"requests", n.store.Len(),
	)

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then shuts down.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases node resources in reverse initialization order.
func (n *Node) Close() error {
	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			logger.Warn("api shutdown error", "error", err)
		}
	}

	if n.engine != nil {
		n.engine.Stop()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
