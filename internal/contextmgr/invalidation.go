package contextmgr

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// publishInvalidation сообщает другим репликам, что их live-хендл контекста устарел.
// Формат сигнала "instance_id:context_id". Ошибка публикации не фатальна.
func (m *Manager) publishInvalidation(ctx context.Context, id string) {
	if err := m.rdb.Publish(ctx, m.keys.ChanContextInvalidate(), m.instanceID+":"+id).Err(); err != nil {
		m.logger.Warn("failed to publish context invalidation", zap.String("context_id", id), zap.Error(err))
	}
}

// ListenInvalidations — "живучая" подписка на канал инвалидации.
// Блокируется до отмены ctx, переподключается при обрыве.
// После каждого (пере)подключения live-хендлы сверяются с хранилищем.
func (m *Manager) ListenInvalidations(ctx context.Context) {
	channel := m.keys.ChanContextInvalidate()
	for {
		pubsub := m.rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Пока были отключены, сигналы могли потеряться
		if err := m.resyncLive(ctx); err != nil {
			m.logger.Error("live handles resync failed", zap.Error(err))
		}

		if !m.consume(ctx, pubsub.Channel()) {
			pubsub.Close()
			return
		}
		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// consume возвращает false, если пора выходить (ctx отменен)
func (m *Manager) consume(ctx context.Context, ch <-chan *redis.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true // канал закрыт, идем на переподключение
			}
			origin, id, found := strings.Cut(msg.Payload, ":")
			if !found || id == "" {
				m.logger.Error("invalid signal format", zap.String("payload", msg.Payload))
				continue
			}
			if origin == m.instanceID {
				continue
			}
			m.drop(id)
		}
	}
}

// resyncLive сбрасывает live-хендлы контекстов, которых больше нет в хранилище
// или которые завершены.
func (m *Manager) resyncLive(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		c, err := m.GetContext(ctx, id)
		if err != nil {
			return err
		}
		if c == nil || c.State.Finished() {
			m.drop(id)
		}
	}
	return nil
}

// LiveHandles — число контекстов с in-process ссылками (для наблюдения и тестов).
func (m *Manager) LiveHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
