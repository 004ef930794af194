package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/pith/internal/store"
	exec2 "github.com/haasonsaas/pith/internal/toolexec"
)

// fileToolDeadline is the tighter timeout spec.md §5 gives the file
// built-ins (30s is the registry default for everything else).
const fileToolDeadline = 5 * time.Second

// RegisterFileTools wires read/write/edit/list_dir/file_search against a
// workspace root, mirroring the teacher's sandboxed-path discipline in
// internal/exec/safety.go: every resolved path must stay under root.
func RegisterFileTools(r *Registry, root string) {
	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "read",
		Description: "Read a UTF-8 text file from the workspace.",
		Parameters:  rawSchema(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		Deadline:    fileToolDeadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct{ Path string `json:"path"` }
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			p, err := safeJoin(root, in.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	})

	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "write",
		Description: "Write (overwrite) a UTF-8 text file in the workspace, creating parent directories as needed.",
		Parameters:  rawSchema(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Deadline:    fileToolDeadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			p, err := safeJoin(root, in.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(p, []byte(in.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
		},
	})

	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "edit",
		Description: "Replace the first occurrence of old_text with new_text in a workspace file.",
		Parameters:  rawSchema(`{"type":"object","properties":{"path":{"type":"string"},"old_text":{"type":"string"},"new_text":{"type":"string"}},"required":["path","old_text","new_text"]}`),
		Deadline:    fileToolDeadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct{ Path, OldText, NewText string }
			var raw struct {
				Path    string `json:"path"`
				OldText string `json:"old_text"`
				NewText string `json:"new_text"`
			}
			if err := json.Unmarshal(args, &raw); err != nil {
				return "", err
			}
			in.Path, in.OldText, in.NewText = raw.Path, raw.OldText, raw.NewText
			p, err := safeJoin(root, in.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			content := string(data)
			if !strings.Contains(content, in.OldText) {
				return "", fmt.Errorf("old_text not found in %s", in.Path)
			}
			updated := strings.Replace(content, in.OldText, in.NewText, 1)
			if err := os.WriteFile(p, []byte(updated), 0o644); err != nil {
				return "", err
			}
			return "edited " + in.Path, nil
		},
	})

	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory, non-recursively.",
		Parameters:  rawSchema(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		Deadline:    fileToolDeadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct{ Path string `json:"path"` }
			_ = json.Unmarshal(args, &in)
			if in.Path == "" {
				in.Path = "."
			}
			p, err := safeJoin(root, in.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(p)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&b, "%s/\n", e.Name())
				} else {
					fmt.Fprintf(&b, "%s\n", e.Name())
				}
			}
			return b.String(), nil
		},
	})

	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "file_search",
		Description: "Search workspace files (by name substring) under a directory, recursively.",
		Parameters:  rawSchema(`{"type":"object","properties":{"query":{"type":"string"},"path":{"type":"string"}},"required":["query"]}`),
		Deadline:    fileToolDeadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
				Path  string `json:"path"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Path == "" {
				in.Path = "."
			}
			start, err := safeJoin(root, in.Path)
			if err != nil {
				return "", err
			}
			var matches []string
			err = filepath.WalkDir(start, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !d.IsDir() && strings.Contains(d.Name(), in.Query) {
					rel, _ := filepath.Rel(root, p)
					matches = append(matches, rel)
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

// RegisterPythonTool wires run_python against the sandboxed subprocess
// runner used for extension invocation (internal/toolexec), grounded on the
// teacher's internal/exec/safety.go argument-validation discipline.
func RegisterPythonTool(r *Registry, cfg exec2.RunnerConfig) {
	runner := exec2.NewRunner(cfg)
	deadline := cfg.Timeout
	if deadline <= 0 || deadline > 30*time.Second {
		deadline = 30 * time.Second
	}
	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "run_python",
		Description: "Run a snippet of Python 3 in a subprocess and return its stdout.",
		Parameters:  rawSchema(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`),
		Deadline:    deadline,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct{ Code string `json:"code"` }
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return runner.RunCode(ctx, in.Code)
		},
	})
}

// RegisterMemoryTools wires memory_save and memory_search against the Store.
func RegisterMemoryTools(r *Registry, st *store.Store) {
	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "memory_save",
		Description: "Save a durable or episodic memory entry for later recall.",
		Parameters:  rawSchema(`{"type":"object","properties":{"text":{"type":"string"},"kind":{"type":"string","enum":["durable","episodic"]},"tags":{"type":"array","items":{"type":"string"}}},"required":["text"]}`),
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string   `json:"text"`
				Kind string   `json:"kind"`
				Tags []string `json:"tags"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			kind := store.MemoryEpisodic
			if in.Kind == string(store.MemoryDurable) {
				kind = store.MemoryDurable
			}
			saved, err := st.SaveMemory(ctx, store.MemoryEntry{Text: in.Text, Kind: kind, Tags: in.Tags})
			if err != nil {
				return "", err
			}
			return "saved memory " + saved.ID, nil
		},
	})

	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "memory_search",
		Description: "Search saved memory entries by free-text query, ranked by relevance blended with recency.",
		Parameters:  rawSchema(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Limit <= 0 {
				in.Limit = 5
			}
			results, err := st.SearchMemory(ctx, in.Query, in.Limit, 0.1)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, r := range results {
				fmt.Fprintf(&b, "[%s] %s\n", r.Entry.ID, r.Entry.Text)
			}
			return b.String(), nil
		},
	})
}

// RegisterProfileTool wires set_profile against the Store's singleton
// AgentProfile/UserProfile records (spec.md §3, §4.4's bootstrap-completion
// check fires after this tool succeeds).
func RegisterProfileTool(r *Registry, st *store.Store) {
	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "set_profile",
		Description: "Set one or more fields of the agent's or user's profile.",
		Parameters: rawSchema(`{"type":"object","properties":{
			"target":{"type":"string","enum":["agent","user"]},
			"fields":{"type":"object"}
		},"required":["target","fields"]}`),
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Target string            `json:"target"`
				Fields map[string]string `json:"fields"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			switch in.Target {
			case "agent":
				p, err := st.GetAgentProfile(ctx)
				if err != nil {
					return "", err
				}
				applyFields(&p.Name, &p.Nature, &p.Vibe, &p.Emoji, &p.Notes, in.Fields)
				if err := st.SetAgentProfile(ctx, p); err != nil {
					return "", err
				}
			case "user":
				p, err := st.GetUserProfile(ctx)
				if err != nil {
					return "", err
				}
				applyUserFields(&p, in.Fields)
				if err := st.SetUserProfile(ctx, p); err != nil {
					return "", err
				}
			default:
				return "", fmt.Errorf("unknown profile target %q", in.Target)
			}
			return "profile updated", nil
		},
	})
}

func applyFields(name, nature, vibe, emoji, notes *string, fields map[string]string) {
	if v, ok := fields["name"]; ok {
		*name = v
	}
	if v, ok := fields["nature"]; ok {
		*nature = v
	}
	if v, ok := fields["vibe"]; ok {
		*vibe = v
	}
	if v, ok := fields["emoji"]; ok {
		*emoji = v
	}
	if v, ok := fields["notes"]; ok {
		*notes = v
	}
}

func applyUserFields(p *store.UserProfile, fields map[string]string) {
	if v, ok := fields["name"]; ok {
		p.Name = v
	}
	if v, ok := fields["preferred_address"]; ok {
		p.PreferredAddress = v
	}
	if v, ok := fields["timezone"]; ok {
		p.Timezone = v
	}
	if v, ok := fields["notes"]; ok {
		p.Notes = v
	}
}

// RegisterToolCall wires the tool_call indirection described in spec.md §4.2:
// a thin {name,args} re-entry into Invoke, refusing self-recursion.
func RegisterToolCall(r *Registry) {
	r.RegisterBuiltin(&ToolDescriptor{
		Name:        "tool_call",
		Description: "Invoke another registered tool by name; used when the model host does not surface every tool as a first-class schema.",
		Parameters:  rawSchema(`{"type":"object","properties":{"name":{"type":"string"},"args":{"type":"object"}},"required":["name"]}`),
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Name string          `json:"name"`
				Args json.RawMessage `json:"args"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Name == "tool_call" {
				return "", fmt.Errorf("tool_call may not invoke itself")
			}
			res := r.Invoke(ctx, in.Name, in.Args)
			if !res.OK {
				return "", &ToolError{Kind: res.ErrKind, Tool: in.Name, Detail: res.ErrDetail}
			}
			return res.Value, nil
		},
	})
}

func rawSchema(s string) json.RawMessage { return json.RawMessage(s) }

// safeJoin resolves rel against root and rejects any path that escapes it,
// mirroring the teacher's path-containment checks in internal/exec/safety.go.
func safeJoin(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.Join(root, rel))
	rootClean := filepath.Clean(root)
	if clean != rootClean && !strings.HasPrefix(clean, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", rel)
	}
	return clean, nil
}
