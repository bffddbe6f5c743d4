// Package container wires application dependencies once at startup.
package container

import (
	"context"
	"fmt"
	"time"

	"taskmesh-backend/ledger"
	"taskmesh-backend/manager"
	"taskmesh-backend/metrics"
	"taskmesh-backend/proofs"
	"taskmesh-backend/queue"
	"taskmesh-backend/storage"
	"taskmesh-backend/transport"
	"taskmesh-backend/worker"
)

// StoreConfig selects and parameterizes the KV backend.
type StoreConfig struct {
	Driver        string // memory | postgres | redis
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewKV builds the ordered KV for cfg.Driver.
func NewKV(ctx context.Context, cfg StoreConfig) (storage.KV, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		if cfg.PGDSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		return storage.NewPGStore(ctx, cfg.PGDSN)
	case "redis":
		return storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ManagerConfig carries everything needed to stand up a manager node.
type ManagerConfig struct {
	PeerID            string
	PaymentAccount    string
	Store             StoreConfig
	AMQPURL           string
	SignerSeedHex     string
	ProverURL         string
	RequireAccessCode bool
	Maintenance       bool
	SweepInterval     time.Duration
}

// Manager holds a manager node's wired dependencies.
type Manager struct {
	Store     *storage.EntityStore
	Queue     *queue.WorkerQueue
	Transport transport.Transport
	Ledger    *ledger.PaymentLedger
	Batcher   *proofs.Batcher
	Metrics   *metrics.Metrics
	Engine    *manager.Engine
}

// NewManager wires a manager node.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	kv, err := NewKV(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := storage.NewEntityStore(kv)

	var signer *ledger.Signer
	if cfg.SignerSeedHex != "" {
		signer, err = ledger.NewSignerFromHex(cfg.SignerSeedHex)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init signer: %w", err)
		}
	} else {
		signer = ledger.NewRandomSigner()
	}

	tr, err := NewAMQP(cfg.AMQPURL, cfg.PeerID)
	if err != nil {
		store.Close()
		return nil, err
	}

	led := ledger.NewPaymentLedger(store, signer)
	batcher := proofs.NewBatcher(signer, proofs.NewHTTPProver(cfg.ProverURL))
	m := metrics.New("taskmesh")
	q := queue.NewWorkerQueue()

	engine := manager.New(manager.Config{
		PeerID:            cfg.PeerID,
		PaymentAccount:    cfg.PaymentAccount,
		RequireAccessCode: cfg.RequireAccessCode,
		Maintenance:       cfg.Maintenance,
		SweepInterval:     cfg.SweepInterval,
	}, store, q, tr, led, batcher, m)

	return &Manager{
		Store:     store,
		Queue:     q,
		Transport: tr,
		Ledger:    led,
		Batcher:   batcher,
		Metrics:   m,
		Engine:    engine,
	}, nil
}

// Close releases the manager's resources.
func (m *Manager) Close() {
	_ = m.Transport.Close()
	m.Store.Close()
}

// WorkerConfig carries everything needed to stand up a worker node.
type WorkerConfig struct {
	PeerID       string
	Recipient    string
	Capabilities []string
	AccessCode   string
	Store        StoreConfig
	AMQPURL      string
}

// Worker holds a worker node's wired dependencies.
type Worker struct {
	Store     *storage.EntityStore
	Transport transport.Transport
	Engine    *worker.Engine
}

// NewWorker wires a worker node around exec.
func NewWorker(ctx context.Context, cfg WorkerConfig, exec worker.Executor) (*Worker, error) {
	kv, err := NewKV(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := storage.NewEntityStore(kv)

	tr, err := NewAMQP(cfg.AMQPURL, cfg.PeerID)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine := worker.New(worker.Config{
		PeerID:       cfg.PeerID,
		Recipient:    cfg.Recipient,
		Capabilities: cfg.Capabilities,
		AccessCode:   cfg.AccessCode,
	}, store, tr, exec)

	return &Worker{Store: store, Transport: tr, Engine: engine}, nil
}

// Close releases the worker's resources.
func (w *Worker) Close() {
	_ = w.Transport.Close()
	w.Store.Close()
}

// NewAMQP builds the broker transport for peerID.
func NewAMQP(url, peerID string) (transport.Transport, error) {
	tr, err := transport.NewAMQPTransport(url, peerID)
	if err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}
	return tr, nil
}
