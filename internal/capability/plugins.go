package capability

/*
Файл plugins.go реализует обнаружение плагинов-инструментов в каталоге.

Поддерживаются два вида модулей:
- YAML-манифест (*.yaml, *.yml) со списком определений инструментов. Обработчик
  каждого инструмента: Go-исходник, исполняемый интерпретатором yaegi и
  экспортирующий func RunTool(input string) (string, error).
- Go-исходник *_plugin.go с функцией регистрации
  func Tools() []map[string]interface{} и диспетчером
  func Invoke(name, input string) (string, error).

Исходники sandboxable инструментов могут импортировать только белый список
чистых пакетов stdlib (без os, net, exec, unsafe). Импорты проверяются до
исполнения кода, а исходник из белого списка исполняется интерпретатором,
которому доступны только эти пакеты. Сбой одного модуля не
прерывает загрузку остальных: он попадает в DiscoveryReport.Failures.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// sandboxImports: пакеты, разрешенные в исходниках sandboxable инструментов
var sandboxImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// DiscoveryReport — итог обнаружения плагинов. Загрузка best-effort.
type DiscoveryReport struct {
	Loaded   []string
	Failures []PluginFailure
}

// PluginFailure — модуль или инструмент, который не удалось загрузить
type PluginFailure struct {
	Path string
	Tool string
	Err  error
}

func (f PluginFailure) Error() string {
	if f.Tool != "" {
		return fmt.Sprintf("%s (%s): %v", f.Path, f.Tool, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

func (r *DiscoveryReport) fail(path, tool string, err error) {
	r.Failures = append(r.Failures, PluginFailure{Path: path, Tool: tool, Err: err})
}

// pluginManifest: формат YAML-манифеста
type pluginManifest struct {
	Tools []manifestTool `yaml:"tools"`
}

type manifestTool struct {
	Name                string                 `yaml:"name"`
	Description         string                 `yaml:"description"`
	Category            string                 `yaml:"category"`
	Sandboxable         bool                   `yaml:"sandboxable"`
	PermissionsRequired []string               `yaml:"permissions_required"`
	InputSchema         map[string]interface{} `yaml:"input_schema"`
	Source              string                 `yaml:"source"` // путь относительно манифеста
}

// DiscoverPlugins сканирует dir (без рекурсии) и регистрирует найденные инструменты.
// Ошибка возвращается только если каталог нельзя прочитать.
func (r *Registry) DiscoverPlugins(ctx context.Context, dir string) (*DiscoveryReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("capability: read plugin dir: %w", err)
	}

	report := &DiscoveryReport{}
	for _, e := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case isManifest(e.Name()):
			r.loadManifest(path, report)
		case strings.HasSuffix(e.Name(), "_plugin.go"):
			r.loadSourcePlugin(path, report)
		}
	}

	slices.Sort(report.Loaded)
	r.logger.Info("plugin discovery finished",
		zap.String("dir", dir),
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("failed", len(report.Failures)))
	for _, f := range report.Failures {
		r.logger.Warn("plugin failed to load", zap.String("path", f.Path), zap.String("tool", f.Tool), zap.Error(f.Err))
	}
	return report, nil
}

func isManifest(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (r *Registry) loadManifest(path string, report *DiscoveryReport) {
	raw, err := os.ReadFile(path)
	if err != nil {
		report.fail(path, "", err)
		return
	}
	var m pluginManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		report.fail(path, "", fmt.Errorf("invalid manifest: %w", err))
		return
	}
	if len(m.Tools) == 0 {
		report.fail(path, "", fmt.Errorf("manifest declares no tools"))
		return
	}

	for _, t := range m.Tools {
		if t.Name == "" {
			report.fail(path, "", fmt.Errorf("tool without name"))
			continue
		}
		if t.Source == "" {
			report.fail(path, t.Name, fmt.Errorf("source is required"))
			continue
		}
		src := t.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(filepath.Dir(path), src)
		}
		code, err := parseSource(src)
		if err != nil {
			report.fail(path, t.Name, err)
			continue
		}
		if t.Sandboxable && !code.restricted {
			report.fail(path, t.Name, checkImports(code.imports))
			continue
		}
		prog, err := code.eval("RunTool")
		if err != nil {
			report.fail(path, t.Name, err)
			continue
		}
		run, ok := prog.funcs["RunTool"].(func(string) (string, error))
		if !ok {
			report.fail(path, t.Name, fmt.Errorf("RunTool has incorrect signature (expected: func(string) (string, error))"))
			continue
		}

		def := ToolDefinition{
			Name:                t.Name,
			Description:         t.Description,
			Category:            t.Category,
			Sandboxable:         t.Sandboxable,
			PermissionsRequired: t.PermissionsRequired,
			InputSchema:         t.InputSchema,
			Handler:             Func(prog.call(run)),
		}
		if err := r.RegisterTool(def); err != nil {
			report.fail(path, t.Name, err)
			continue
		}
		report.Loaded = append(report.Loaded, t.Name)
	}
}

func (r *Registry) loadSourcePlugin(path string, report *DiscoveryReport) {
	src, err := parseSource(path)
	if err != nil {
		report.fail(path, "", err)
		return
	}
	// Файл с импортами вне белого списка исполняется с полным stdlib, поэтому
	// объявлять sandboxable инструменты он не может. Отказ до Eval.
	if !src.restricted && declaresSandboxable(src.file) {
		report.fail(path, "", checkImports(src.imports))
		return
	}
	prog, err := src.eval("Tools", "Invoke")
	if err != nil {
		report.fail(path, "", err)
		return
	}
	toolsFn, ok := prog.funcs["Tools"].(func() []map[string]interface{})
	if !ok {
		report.fail(path, "", fmt.Errorf("Tools has incorrect signature (expected: func() []map[string]interface{})"))
		return
	}
	invoke, ok := prog.funcs["Invoke"].(func(string, string) (string, error))
	if !ok {
		report.fail(path, "", fmt.Errorf("Invoke has incorrect signature (expected: func(string, string) (string, error))"))
		return
	}

	for _, spec := range toolsFn() {
		name, _ := spec["name"].(string)
		if name == "" {
			report.fail(path, "", fmt.Errorf("tool without name"))
			continue
		}
		sandboxable, _ := spec["sandboxable"].(bool)
		if sandboxable && !src.restricted {
			report.fail(path, name, checkImports(src.imports))
			continue
		}

		toolName := name
		def := ToolDefinition{
			Name:                name,
			Description:         stringOf(spec["description"]),
			Category:            stringOf(spec["category"]),
			Sandboxable:         sandboxable,
			PermissionsRequired: stringsOf(spec["permissions_required"]),
			Handler:             Func(prog.call(func(input string) (string, error) { return invoke(toolName, input) })),
		}
		if schema, ok := spec["input_schema"].(map[string]interface{}); ok {
			def.InputSchema = schema
		}
		if err := r.RegisterTool(def); err != nil {
			report.fail(path, name, err)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}
}

// source: разобранный, но еще не исполненный исходник плагина
type source struct {
	code    []byte
	file    *ast.File
	imports []string
	// restricted: все импорты из белого списка, исполняется без полного stdlib
	restricted bool
}

// program: интерпретированный исходник плагина
type program struct {
	imports []string
	funcs   map[string]interface{}
	// интерпретатор не рассчитан на конкурентные вызовы
	mu sync.Mutex
}

func parseSource(path string) (*source, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := parser.ParseFile(token.NewFileSet(), path, code, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	if f.Name.Name != "main" {
		return nil, fmt.Errorf("plugin source must declare package main, got %q", f.Name.Name)
	}
	imports := make([]string, 0, len(f.Imports))
	for _, imp := range f.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("bad import %s: %w", imp.Path.Value, err)
		}
		imports = append(imports, p)
	}
	return &source{
		code:       code,
		file:       f,
		imports:    imports,
		restricted: checkImports(imports) == nil,
	}, nil
}

// eval исполняет исходник. restricted-исходнику доступны только пакеты белого списка.
func (s *source) eval(symbols ...string) (*program, error) {
	exports := stdlib.Symbols
	if s.restricted {
		exports = sandboxSymbols()
	}
	i := interp.New(interp.Options{})
	if err := i.Use(exports); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.Eval(string(s.code)); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	prog := &program{imports: s.imports, funcs: make(map[string]interface{}, len(symbols))}
	for _, sym := range symbols {
		v, err := i.Eval("main." + sym)
		if err != nil {
			return nil, fmt.Errorf("%s function not found: %w", sym, err)
		}
		prog.funcs[sym] = v.Interface()
	}
	return prog, nil
}

// sandboxSymbols: подмножество stdlib.Symbols из белого списка.
// Ключи stdlib.Symbols имеют вид "encoding/json/json".
func sandboxSymbols() interp.Exports {
	out := make(interp.Exports, len(sandboxImports))
	for key, syms := range stdlib.Symbols {
		if sandboxImports[path.Dir(key)] {
			out[key] = syms
		}
	}
	return out
}

// declaresSandboxable ищет в исходнике литерал "sandboxable" со значением, отличным от false.
func declaresSandboxable(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		kv, ok := n.(*ast.KeyValueExpr)
		if !ok || found {
			return !found
		}
		key, ok := kv.Key.(*ast.BasicLit)
		if !ok || key.Kind != token.STRING {
			return true
		}
		if name, err := strconv.Unquote(key.Value); err != nil || name != "sandboxable" {
			return true
		}
		if v, ok := kv.Value.(*ast.Ident); ok && v.Name == "false" {
			return true
		}
		found = true
		return false
	})
	return found
}

func checkImports(imports []string) error {
	var forbidden []string
	for _, p := range imports {
		if !sandboxImports[p] {
			forbidden = append(forbidden, p)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports for sandboxable tool: %v", forbidden)
	}
	return nil
}

// call превращает строковую функцию плагина в обработчик инструмента:
// аргументы уходят JSON-строкой, JSON-объект в ответе разбирается,
// остальное возвращается как {"result": out}.
func (p *program) call(fn func(input string) (string, error)) func(context.Context, map[string]interface{}) (interface{}, error) {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}

		type reply struct {
			out string
			err error
		}
		done := make(chan reply, 1)
		go func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			out, err := fn(string(input))
			done <- reply{out, err}
		}()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("plugin call interrupted: %w", ctx.Err())
		case r := <-done:
			if r.err != nil {
				return nil, r.err
			}
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(r.out), &obj); err == nil {
				return obj, nil
			}
			return map[string]interface{}{"result": r.out}, nil
		}
	}
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringsOf(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
