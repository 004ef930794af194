package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/pith/internal/toolexec"
)

// ExtensionWatcher hot-reloads tool definitions from one file per tool under
// a directory (spec.md §3's "Extension tools"), debounced the way the
// teacher's internal/skills/manager.go watches its skill directories.
type ExtensionWatcher struct {
	reg    *Registry
	dir    string
	debounce time.Duration
	runner *toolexec.Runner
	log    *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onReloadFailure func(name, kind, detail string)
}

// NewExtensionWatcher prepares a watcher; call Start to begin watching.
func NewExtensionWatcher(reg *Registry, dir string, interpreter string, log *slog.Logger) *ExtensionWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &ExtensionWatcher{
		reg:      reg,
		dir:      dir,
		debounce: 250 * time.Millisecond,
		runner:   toolexec.NewRunner(toolexec.RunnerConfig{Interpreter: interpreter, Timeout: 5 * time.Second}),
		log:      log.With("component", "registry.extensions"),
	}
}

// OnReloadFailure registers a callback invoked whenever a file fails to load,
// so the runtime can emit a reload_failure event (spec.md §4.6).
func (w *ExtensionWatcher) OnReloadFailure(fn func(name, kind, detail string)) {
	w.onReloadFailure = fn
}

// Start performs an initial full scan, then watches dir for changes.
func (w *ExtensionWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.scanAll(); err != nil {
		w.log.Warn("initial extension scan had errors", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(wctx)
	return nil
}

func (w *ExtensionWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *ExtensionWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			w.handleChange(path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("extension watch error", "error", err)
		}
	}
}

func (w *ExtensionWatcher) handleChange(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		name := toolNameFromPath(path)
		w.reg.RemoveExtension(name)
		return
	}
	if err := w.loadFile(path); err != nil {
		var kind, detail string
		if rerr, ok := err.(*RegistryError); ok {
			kind, detail = rerr.Kind, rerr.Detail
		} else {
			kind, detail = "load_failure", err.Error()
		}
		w.log.Warn("extension reload failed", "path", path, "kind", kind, "error", err)
		if w.onReloadFailure != nil {
			w.onReloadFailure(toolNameFromPath(path), kind, detail)
		}
	}
}

func (w *ExtensionWatcher) scanAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".py") {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if err := w.loadFile(path); err != nil {
			w.log.Warn("extension load failed", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// loadFile registers or replaces one extension tool. The file's docstring
// metadata supplies the description and JSON Schema; absent metadata leaves
// the tool without a schema, so its arguments reach run() unvalidated.
func (w *ExtensionWatcher) loadFile(path string) error {
	name := toolNameFromPath(path)
	if !strings.HasSuffix(path, ".py") {
		return &RegistryError{Kind: "load_failure", Name: name, Detail: "only .py extension tools are supported"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &RegistryError{Kind: "load_failure", Name: name, Detail: err.Error()}
	}
	meta := parseToolMetadata(string(data))
	if !hasRunEntrypoint(string(data)) {
		return &RegistryError{Kind: "load_failure", Name: name, Detail: "file does not define 'async def run(...)'"}
	}

	fingerprint := fingerprintSource(data)
	runner := w.runner
	scriptPath := path

	desc := &ToolDescriptor{
		Name:              name,
		Description:       meta.Description,
		Parameters:        meta.Schema,
		SourceFingerprint: fingerprint,
		Deadline:          10 * time.Second,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			return invokeExtensionFile(ctx, runner, scriptPath, args)
		},
	}
	return w.reg.RegisterExtension(desc)
}

func toolNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type toolMetadata struct {
	Description string
	Schema      json.RawMessage
}

// parseToolMetadata extracts a leading `"""..."""` module docstring and an
// optional fenced ```json schema block from it, the "machine-readable
// header" spec.md §9's Design Notes describe for extension tools.
func parseToolMetadata(src string) toolMetadata {
	meta := toolMetadata{}
	scanner := bufio.NewScanner(strings.NewReader(src))
	var doc strings.Builder
	inDoc, inSchema := false, false
	var schema strings.Builder
	started := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !started {
			if trimmed == `"""` || strings.HasPrefix(trimmed, `"""`) {
				inDoc = true
				started = true
				rest := strings.TrimPrefix(trimmed, `"""`)
				if strings.HasSuffix(rest, `"""`) && rest != "" {
					doc.WriteString(strings.TrimSuffix(rest, `"""`))
					break
				}
				if rest != "" {
					doc.WriteString(rest + "\n")
				}
				continue
			}
			if trimmed == "" {
				continue
			}
			break
		}
		if inDoc {
			if strings.HasSuffix(trimmed, `"""`) {
				doc.WriteString(strings.TrimSuffix(line, `"""`))
				inDoc = false
				continue
			}
			if strings.HasPrefix(trimmed, "```json") {
				inSchema = true
				continue
			}
			if inSchema && strings.HasPrefix(trimmed, "```") {
				inSchema = false
				continue
			}
			if inSchema {
				schema.WriteString(line + "\n")
				continue
			}
			doc.WriteString(line + "\n")
		}
	}
	meta.Description = strings.TrimSpace(doc.String())
	if s := strings.TrimSpace(schema.String()); s != "" {
		meta.Schema = json.RawMessage(s)
	}
	return meta
}

func hasRunEntrypoint(src string) bool {
	return strings.Contains(src, "async def run(")
}

func fingerprintSource(data []byte) string {
	var sum uint32 = 2166136261
	for _, b := range data {
		sum ^= uint32(b)
		sum *= 16777619
	}
	return fmt.Sprintf("%x-%d", sum, len(data))
}

// invokeExtensionFile runs a `python3 -c` loader that imports the script,
// awaits its run() with the JSON args as keyword arguments, and reads stdout
// as the tool's textual result, the subprocess-per-call model spec.md §9
// describes for self-written extension tools.
func invokeExtensionFile(ctx context.Context, runner *toolexec.Runner, script string, args json.RawMessage) (string, error) {
	code := fmt.Sprintf(`
import asyncio, json, importlib.util
spec = importlib.util.spec_from_file_location("ext_tool", %q)
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
args = json.loads(%q)
result = asyncio.run(mod.run(**args))
print(result)
`, script, string(args))
	return runner.RunCode(ctx, code)
}
