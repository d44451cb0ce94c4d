package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
)

// Updates are ACKed to Telegram immediately and processed by this pool; one
// update end to end per worker. Failed turns go to a Redis dead-letter list.

const turnTimeout = 3 * time.Minute

type worker struct {
	id       int
	stopChan chan bool
}

type Pool struct {
	orch        *Orchestrator
	updateQueue chan models.TelegramUpdate
	workers     []*worker
	wg          sync.WaitGroup
	mu          sync.Mutex
}

func NewPool(orch *Orchestrator, queueSize int) *Pool {
	if queueSize < 1 {
		queueSize = 1024
	}
	return &Pool{
		orch:        orch,
		updateQueue: make(chan models.TelegramUpdate, queueSize),
	}
}

// Enqueue hands an update to the pool without blocking. Returns false when
// the queue is full; the webhook still ACKs so Telegram does not retry.
func (p *Pool) Enqueue(update models.TelegramUpdate) bool {
	select {
	case p.updateQueue <- update:
		return true
	default:
		p.orch.log.Error("update_queue_full", "update_id", update.UpdateID)
		return false
	}
}

func (p *Pool) QueueDepth() int {
	return len(p.updateQueue)
}

func (p *Pool) StartWorkers(workerCount int) {
	if workerCount < 1 {
		workerCount = 8
	}
	if workerCount > 64 {
		workerCount = 64
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:       i + 1,
			stopChan: make(chan bool, 1),
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go p.runWorker(w)
	}

	p.orch.log.Info("turn_workers_started", "count", workerCount)
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()

	for {
		select {
		case update := <-p.updateQueue:
			ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
			if err := p.orch.HandleUpdate(ctx, update); err != nil {
				p.orch.log.Warn("turn_processing_failed",
					"worker_id", w.id,
					"update_id", update.UpdateID,
					"error", err)
				p.sendToDLQ(ctx, update, err.Error())
			}
			cancel()
		case <-w.stopChan:
			p.orch.log.Info("worker_stopped", "worker_id", w.id)
			return
		}
	}
}

func (p *Pool) StopWorkers() {
	p.mu.Lock()
	for _, w := range p.workers {
		select {
		case w.stopChan <- true:
		default:
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.orch.log.Info("all_workers_stopped")
}

func (p *Pool) sendToDLQ(ctx context.Context, update models.TelegramUpdate, errorMsg string) {
	data, _ := json.Marshal(map[string]any{
		"update":    update,
		"error":     errorMsg,
		"timestamp": time.Now(),
	})
	if err := p.orch.redis.PushDeadLetter(ctx, string(data)); err != nil {
		p.orch.log.Error("dlq_push_failed", "update_id", update.UpdateID, "error", err)
	}
}
