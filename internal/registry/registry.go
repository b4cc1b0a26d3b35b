package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
)

// RunFunc executes a tool against a resolved payload and returns the raw
// output bytes. Implementations must honour context cancellation; any
// external side effect they perform is their own responsibility to make
// idempotent.
type RunFunc func(ctx context.Context, payload mech.ResolvedPayload) ([]byte, error)

// Capability describes a registered tool: its identifier, the input/output
// contract and the hard execution ceiling enforced by the engine.
type Capability struct {
	ID               string
	Description      string
	InputSchema      Schema
	OutputSchema     Schema
	MaxExecutionTime time.Duration
	Run              RunFunc
}

var (
	// ErrDuplicateTool 表示同一标识被重复注册。
	ErrDuplicateTool = xerrors.New(CodeDuplicateTool, "tool already registered")
	// ErrToolUnknown 表示请求引用了未注册的工具。
	ErrToolUnknown = xerrors.New(CodeToolUnknown, "tool not registered")
	// ErrRegistryFrozen 表示注册表已进入只读状态。
	ErrRegistryFrozen = xerrors.New(CodeRegistryFrozen, "registry frozen")
)

const (
	CodeDuplicateTool  xerrors.Code = "TOOL_DUPLICATE"
	CodeToolUnknown    xerrors.Code = "TOOL_UNKNOWN"
	CodeRegistryFrozen xerrors.Code = "REGISTRY_FROZEN"
)

func init() {
	xerrors.Register(CodeDuplicateTool, xerrors.Attributes{
		Message:   "tool already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolUnknown, xerrors.Attributes{
		Message:   "tool not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRegistryFrozen, xerrors.Attributes{
		Message:   "registry frozen",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Registry maps tool identifiers to capabilities. Registration happens once
// during startup; after Freeze the registry is read-only and safe for
// concurrent lookups from all workers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Capability
	frozen bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Capability)}
}

// Register adds a capability. It fails on identifier collision or when the
// registry has already been frozen.
func (r *Registry) Register(cap Capability) error {
	if cap.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool id cannot be empty")
	}
	if cap.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool run function cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.tools[cap.ID]; exists {
		return ErrDuplicateTool
	}
	r.tools[cap.ID] = cap
	return nil
}

// Freeze seals the registry against further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the capability registered under the identifier.
func (r *Registry) Lookup(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.tools[id]
	if !ok {
		return Capability{}, ErrToolUnknown
	}
	return cap, nil
}

// IDs returns the sorted identifiers of all registered tools.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
