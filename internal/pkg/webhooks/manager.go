package webhooks

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hibiken/asynq"

	"github.com/subherald/subherald/internal/pkg/cache"
	"github.com/subherald/subherald/internal/pkg/env"
	metrics "github.com/subherald/subherald/internal/pkg/metrics/counter"
)

const counterFlushInterval = 5 * time.Second

// Manager owns the asynq client/server pair that executes delivery tasks,
// plus the ticker flushing delivery counters to the database.
type Manager struct {
	client      *asynq.Client
	server      *asynq.Server
	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global task queue manager (singleton).
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{}
	})
	return globalManager
}

func redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cache.Addr(),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
	}
}

// Start brings up the delivery worker pool and the counter flush worker.
// The engine handles each task; its concurrency comes from
// WEBHOOK_WORKER_COUNT.
func (m *Manager) Start(engine *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[TaskQueue Manager] Starting delivery workers and background tasks")

	concurrency := 10
	if v, err := strconv.Atoi(env.GetEnv("WEBHOOK_WORKER_COUNT", "10")); err == nil && v > 0 {
		concurrency = v
	}

	opt := redisOpt()
	m.client = asynq.NewClient(opt)
	m.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDelivery, engine.HandleDeliveryTask)
	if err := m.server.Start(mux); err != nil {
		log.Errorf("[TaskQueue Manager] asynq server start failed: %v", err)
	}

	m.flushTicker = time.NewTicker(counterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Infof("[TaskQueue Manager] Started successfully (%d workers)", concurrency)
}

// Stop shuts the worker pool down and waits for background workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[TaskQueue Manager] Stopping delivery workers...")

	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	if m.server != nil {
		m.server.Shutdown()
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			log.Errorf("[TaskQueue Manager] closing asynq client: %v", err)
		}
	}

	// One last drain so counted deliveries are not lost on shutdown.
	if err := metrics.FlushAll(); err != nil {
		log.Errorf("[TaskQueue Manager] final counter flush: %v", err)
	}

	log.Info("[TaskQueue Manager] Stopped successfully")
}

// EnqueueDelivery schedules one delivery task, optionally delayed.
func (m *Manager) EnqueueDelivery(attemptID uint, delay time.Duration) error {
	task, err := NewDeliveryTask(attemptID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = m.client.Enqueue(task, opts...)
	return err
}

// IsRunning returns whether the manager is currently running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[TaskQueue Manager] Counter flush worker stopping")
			return
		case <-m.flushTicker.C:
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[TaskQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}
