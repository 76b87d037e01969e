package audit

/*
Файл trail.go реализует Audit Trail вызовов инструментов.

Ключевые особенности:
- Non-blocking: Record никогда не блокирует вызывающего. При переполнении буфера
  событие сбрасывается в логгер (load shedding), вызов инструмента не тормозит.
- Batching: события копятся и пишутся пачкой по таймеру или по достижении batchSize.
- Drain & Graceful Shutdown: Stop закрывает вход, воркер вычитывает остатки и делает
  финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-runtime/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 10000
	batchSize         = 100
	flushInterval     = 500 * time.Millisecond
)

// Storage определяет, куда физически сохраняются события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []ToolEvent) error
}

type Trail struct {
	ch      chan ToolEvent
	repo    Storage
	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup

	// mu защищает закрытие канала от конкурентных Record
	mu     sync.RWMutex
	closed bool
}

func NewTrail(repo Storage, bufferSize int, m *metrics.Metrics, logger *zap.Logger) *Trail {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Trail{
		ch:      make(chan ToolEvent, bufferSize),
		repo:    repo,
		logger:  logger.Named("audit"),
		metrics: m,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет. Повторный вызов безопасен.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer...")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

// Record ставит событие в очередь. ID и Timestamp проставляются, если пусты.
func (t *Trail) Record(e ToolEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopped", zap.String("id", e.ID))
		return
	}

	select {
	case t.ch <- e:
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	default:
		// Backpressure: не теряем факт вызова, пишем в логгер
		t.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", e.AgentID),
			zap.String("tool", e.Tool),
			zap.String("status", e.Status),
			zap.String("trace_id", e.TraceID))
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]ToolEvent, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при остановке уже может быть отменен
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	}

	for {
		select {
		case e, ok := <-t.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
