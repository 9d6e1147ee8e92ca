package integration

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"SigMesh/client"
	"SigMesh/internal/api"
	"SigMesh/internal/bls"
	"SigMesh/internal/engine"
	"SigMesh/internal/epoch"
	"SigMesh/internal/notify"
	"SigMesh/internal/registry"
	"SigMesh/internal/request"
	"SigMesh/internal/storage"
)

// node is a full in-process node over real Pebble storage.
type node struct {
	storage  *storage.Storage
	clock    *epoch.Clock
	registry *registry.Registry
	store    *request.Store
	notifier *notify.Notifier
	engine   *engine.Engine
	server   *httptest.Server
	client   *client.Client
}

// startNode builds a node over the given data directory and serves its
// API from an ephemeral HTTP listener. Restarting against the same
// directory restores persisted state.
func startNode(t *testing.T, dataDir string, opts ...engine.Config) *node {
	t.Helper()

	db, err := storage.New(dataDir)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	clock, err := epoch.New(db)
	if err != nil {
		t.Fatalf("create clock: %v", err)
	}

	reg, err := registry.New(db)
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}

	store, err := request.NewStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	notifier := notify.New(0)

	cfg := engine.Config{}
	if len(opts) > 0 {
		cfg = opts[0]
	}

	eng := engine.New(store, reg, clock, notifier, cfg)
	eng.Start()

	srv := api.New(":0", eng, store, reg, clock, notifier)
	ts := httptest.NewServer(srv.Routes())

	n := &node{
		storage:  db,
		clock:    clock,
		registry: reg,
		store:    store,
		notifier: notifier,
		engine:   eng,
		server:   ts,
		client:   client.NewClient(strings.TrimPrefix(ts.URL, "http://")),
	}

	t.Cleanup(n.stop)

	return n
}

// stop shuts the node down. Safe to call twice.
func (n *node) stop() {
	if n.server != nil {
		n.server.Close()
		n.server = nil
	}

	n.engine.Stop()

	if n.storage != nil {
		n.storage.Close()
		n.storage = nil
	}
}

// validatorSet derives count deterministic validator keypairs and the
// matching set members, each holding the given power.
func validatorSet(t *testing.T, count int, power uint64) ([]*bls.KeyPair, []registry.Validator) {
	t.Helper()

	keys := make([]*bls.KeyPair, count)
	validators := make([]registry.Validator, count)

	for i := 0; i < count; i++ {
		seed := make([]byte, 32)
		copy(seed, fmt.Sprintf("integration-seed-%d", i))

		key, err := bls.GenerateFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		keys[i] = key
		validators[i] = registry.Validator{
			Operator: fmt.Sprintf("operator-%d", i),
			Keys:     []registry.TaggedKey{{Tag: engine.KeyTagBLS, Key: key.PublicKeyBytes()}},
			Power:    power,
			Active:   true,
		}
	}

	return keys, validators
}
