package registry

import "fmt"

// ToolError is the typed error spec.md §7 calls
// ToolError{not_found|schema|execution|timeout|output_too_large}.
type ToolError struct {
	Kind   ErrKind
	Tool   string
	Detail string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Detail)
}

// RegistryError is the typed error spec.md §7 calls
// RegistryError{name_collision|reserved_prefix|load_failure}.
type RegistryError struct {
	Kind   string // "name_collision" | "reserved_prefix" | "load_failure"
	Name   string
	Detail string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s: %s: %s", e.Kind, e.Name, e.Detail)
}
