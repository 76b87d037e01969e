package capability

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// WatchPlugins повторяет DiscoverPlugins при изменении файлов плагинов в dir.
// Блокируется до отмены ctx. onReload (может быть nil) получает каждый отчет.
func (r *Registry) WatchPlugins(ctx context.Context, dir string, onReload func(*DiscoveryReport)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("capability: create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("capability: watch %s: %w", dir, err)
	}
	r.logger.Info("watching plugin directory", zap.String("dir", dir))

	// Редакторы пишут файл несколькими событиями: схлопываем их
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isPluginFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("plugin watcher error", zap.Error(err))
		case <-timer.C:
			report, err := r.DiscoverPlugins(ctx, dir)
			if err != nil {
				r.logger.Error("plugin rediscovery failed", zap.Error(err))
				continue
			}
			if onReload != nil {
				onReload(report)
			}
		}
	}
}

func isPluginFile(path string) bool {
	// .go покрывает и *_plugin.go, и исходники из манифестов
	name := filepath.Base(path)
	return isManifest(name) || strings.HasSuffix(name, ".go")
}
