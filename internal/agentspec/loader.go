package agentspec

// Загрузка AgentConfig из YAML-файлов.
// parent_config указывает на базовый файл (путь относительно текущего);
// мапы сливаются рекурсивно, списки и скаляры потомка заменяют родительские.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"gopkg.in/yaml.v3"
)

// maxInheritanceDepth ограничивает цепочку parent_config
const maxInheritanceDepth = 8

// Load читает файл, разрешает наследование и валидирует результат.
func Load(path string) (*domain.AgentConfig, error) {
	raw, err := resolve(path, nil)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("agentspec: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agentspec: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse разбирает один документ без наследования.
func Parse(data []byte) (*domain.AgentConfig, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ConfigurationError{Reason: err.Error()}
	}
	if _, ok := raw["parent_config"]; ok {
		return nil, &domain.ConfigurationError{Field: "parent_config", Reason: "requires loading from a file"}
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir загружает все *.yaml / *.yml каталога. Ключ: имя агента.
// Ошибка одного файла не останавливает остальные: они возвращаются вместе.
func LoadDir(dir string) (map[string]*domain.AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agentspec: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make(map[string]*domain.AgentConfig, len(names))
	var errs []error
	for _, name := range names {
		cfg, err := Load(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := out[cfg.Name]; dup {
			errs = append(errs, fmt.Errorf("agentspec: %s: duplicate agent name %q (version %s already loaded)", name, cfg.Name, prev.Version))
			continue
		}
		out[cfg.Name] = cfg
	}
	return out, errors.Join(errs...)
}

func resolve(path string, chain []string) (map[string]interface{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("agentspec: %w", err)
	}
	for _, p := range chain {
		if p == abs {
			return nil, &domain.ConfigurationError{Field: "parent_config", Reason: fmt.Sprintf("inheritance cycle at %s", path)}
		}
	}
	if len(chain) >= maxInheritanceDepth {
		return nil, &domain.ConfigurationError{Field: "parent_config", Reason: "inheritance chain is too deep"}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("agentspec: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	parent, _ := raw["parent_config"].(string)
	if parent == "" {
		return raw, nil
	}
	if !filepath.IsAbs(parent) {
		parent = filepath.Join(filepath.Dir(abs), parent)
	}
	base, err := resolve(parent, append(chain, abs))
	if err != nil {
		return nil, err
	}
	merged := merge(base, raw)
	return merged, nil
}

// merge накладывает over на base
func merge(base, over map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		bm, bok := out[k].(map[string]interface{})
		om, ook := v.(map[string]interface{})
		if bok && ook {
			out[k] = merge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// decode прогоняет мапу через yaml с KnownFields, чтобы опечатки в ключах
// давали ошибку, а не молча терялись.
func decode(raw map[string]interface{}) (*domain.AgentConfig, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg domain.AgentConfig
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &domain.ConfigurationError{Reason: err.Error()}
	}
	if cfg.ExecutionStrategy == "" {
		cfg.ExecutionStrategy = domain.StrategySequential
	}
	return &cfg, nil
}
