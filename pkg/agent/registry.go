package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/runner"
	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/team"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/agenttool"
)

// RegistryConfig wires the registry's dependencies.
type RegistryConfig struct {
	Store    store.Store
	Tools    *tool.Registry
	Provider llms.Provider
	Metrics  *observability.Metrics
	Runtime  config.RuntimeConfig
	LLM      config.LLMConfig
}

// Registry owns agent definitions and the instance cache. Definitions write
// through to the store best-effort; the in-memory map stays authoritative
// for the process lifetime. Materialization is lazy and single-flight per
// agent id.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	instances map[string]*cachedInstance

	group  singleflight.Group
	runner *runner.LLMRunner

	store    store.Store
	tools    *tool.Registry
	provider llms.Provider
	runtime  config.RuntimeConfig
	llm      config.LLMConfig

	stopHook func(agentID string)
}

type cachedInstance struct {
	exec    runner.Executable
	version int64
}

// NewRegistry builds an agent registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	st := cfg.Store
	if st == nil {
		st = store.Noop()
	}
	r := &Registry{
		defs:      make(map[string]*Definition),
		instances: make(map[string]*cachedInstance),
		store:     st,
		tools:     cfg.Tools,
		provider:  cfg.Provider,
		runtime:   cfg.Runtime,
		llm:       cfg.LLM,
	}
	r.runner = runner.NewLLMRunner(cfg.Provider, cfg.Metrics, cfg.Runtime.MaxToolPasses, cfg.Tools.BumpUsage)
	return r
}

// SetRuntime swaps the orchestration tunables. Instances materialized
// afterwards pick up the new values.
func (r *Registry) SetRuntime(rt config.RuntimeConfig) {
	r.mu.Lock()
	r.runtime = rt
	r.mu.Unlock()
}

func (r *Registry) runtimeConfig() config.RuntimeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runtime
}

// SetStopHook installs the callback Stop uses to cancel active sessions.
func (r *Registry) SetStopHook(hook func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopHook = hook
}

// LoadFromStore warms the definition cache with the persisted agents.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	records, err := r.store.ListAgents(ctx, false, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.defs[rec.ID] = fromRecord(rec)
	}
	slog.Info("Agent definitions loaded", "count", len(records))
	return nil
}

// Create validates and stores a new definition. The instance is not
// materialized; that happens lazily on first use.
func (r *Registry) Create(ctx context.Context, def *Definition) (string, error) {
	def = def.Clone()
	def.ID = uuid.NewString()
	def.Version = 1
	def.IsActive = true
	def.UsageCount = 0
	def.CreatedAt = time.Now().UTC()

	if err := def.Validate(); err != nil {
		return "", err
	}
	if err := r.validateBindings(def); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.defs[def.ID] = def
	r.mu.Unlock()

	if err := r.store.SaveAgent(ctx, toRecord(def)); err != nil {
		slog.Warn("Failed to persist agent, in-memory state stays authoritative",
			"agent_id", def.ID, "error", err)
	}
	return def.ID, nil
}

// Get returns the definition for id, lazy-loading from the store on a cache
// miss.
func (r *Registry) Get(ctx context.Context, id string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if ok {
		return def.Clone(), nil
	}

	rec, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	def = fromRecord(rec)

	r.mu.Lock()
	if existing, ok := r.defs[id]; ok {
		def = existing
	} else {
		r.defs[id] = def
	}
	r.mu.Unlock()
	return def.Clone(), nil
}

// List returns definitions ordered by creation time.
func (r *Registry) List(activeOnly bool, limit, offset int) []*Definition {
	r.mu.RLock()
	defs := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		if activeOnly && !def.IsActive {
			continue
		}
		defs = append(defs, def.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})

	if offset > 0 {
		if offset >= len(defs) {
			return nil
		}
		defs = defs[offset:]
	}
	if limit > 0 && limit < len(defs) {
		defs = defs[:limit]
	}
	return defs
}

// Update replaces the mutable fields of a definition and invalidates its
// instance. Identity and bookkeeping fields are preserved. All validation
// runs before the swap, so a rejected update leaves the current definition
// live.
func (r *Registry) Update(ctx context.Context, id string, updated *Definition) error {
	r.mu.RLock()
	current, ok := r.defs[id]
	if !ok || !current.IsActive {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	curSubs := append([]string(nil), current.SubAgentIDs...)
	curIsTeam := current.IsTeam()
	r.mu.RUnlock()

	next := updated.Clone()
	next.ID = id
	next.IsActive = true

	// Team composition is fixed at create; allowing membership edits here
	// would bypass the create-time cycle checks.
	if (curIsTeam || next.IsTeam()) && !equalStrings(curSubs, next.SubAgentIDs) {
		return fmt.Errorf("%w: sub_agent_ids are immutable after creation", ErrValidation)
	}

	if err := next.Validate(); err != nil {
		return err
	}
	if err := r.validateBindings(next); err != nil {
		return err
	}

	r.mu.Lock()
	current, ok = r.defs[id]
	if !ok || !current.IsActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	next.Version = current.Version + 1
	next.UsageCount = current.UsageCount
	next.CreatedAt = current.CreatedAt
	next.LastUsedAt = current.LastUsedAt
	r.defs[id] = next
	delete(r.instances, id)
	r.mu.Unlock()

	r.persistUpdate(ctx, next)
	return nil
}

// Delete soft-deletes a definition and drops its instance. Conversations on
// the agent are left to the conversation manager.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	def, ok := r.defs[id]
	if !ok || !def.IsActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	def.IsActive = false
	def.Version++
	delete(r.instances, id)
	r.mu.Unlock()

	if err := r.store.DeleteAgent(ctx, id); err != nil {
		slog.Warn("Failed to persist agent deletion", "agent_id", id, "error", err)
	}
	return nil
}

// AttachTools unions names into the agent's tool set. Idempotent: attaching
// an already-attached tool is a no-op.
func (r *Registry) AttachTools(ctx context.Context, id string, names []string) error {
	if err := r.validateToolNames(names); err != nil {
		return err
	}

	r.mu.Lock()
	def, ok := r.defs[id]
	if !ok || !def.IsActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if def.IsTeam() {
		r.mu.Unlock()
		return fmt.Errorf("%w: team agents cannot hold tools directly", ErrValidation)
	}

	have := make(map[string]bool, len(def.ToolNames))
	for _, n := range def.ToolNames {
		have[n] = true
	}
	changed := false
	for _, n := range names {
		if !have[n] {
			def.ToolNames = append(def.ToolNames, n)
			have[n] = true
			changed = true
		}
	}
	if changed {
		def.Version++
		delete(r.instances, id)
	}
	snapshot := def.Clone()
	r.mu.Unlock()

	if changed {
		r.persistUpdate(ctx, snapshot)
	}
	return nil
}

// DetachTools removes names from the agent's tool set. Idempotent.
func (r *Registry) DetachTools(ctx context.Context, id string, names []string) error {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	r.mu.Lock()
	def, ok := r.defs[id]
	if !ok || !def.IsActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	kept := def.ToolNames[:0]
	changed := false
	for _, n := range def.ToolNames {
		if drop[n] {
			changed = true
			continue
		}
		kept = append(kept, n)
	}
	def.ToolNames = kept
	if changed {
		def.Version++
		delete(r.instances, id)
	}
	snapshot := def.Clone()
	r.mu.Unlock()

	if changed {
		r.persistUpdate(ctx, snapshot)
	}
	return nil
}

// ConfigPatch is a partial update of execution settings. An absent key
// leaves a field untouched; an explicit JSON null clears it.
type ConfigPatch struct {
	AgentType *string   `json:"agent_type"`
	Planner   *string   `json:"planner"`
	Tools     *[]string `json:"tools"`

	// present records which keys the JSON body carried, so null (clear)
	// can be told apart from absence (keep).
	present map[string]bool
}

func (p *ConfigPatch) UnmarshalJSON(data []byte) error {
	type fields ConfigPatch
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*p = ConfigPatch(f)
	p.present = make(map[string]bool, len(keys))
	for k := range keys {
		p.present[k] = true
	}
	return nil
}

// has reports whether the patch addresses key. Patches built in code rather
// than decoded from JSON carry no key set; for those a non-nil pointer means
// present.
func (p ConfigPatch) has(key string) bool {
	if p.present != nil {
		return p.present[key]
	}
	switch key {
	case "agent_type":
		return p.AgentType != nil
	case "planner":
		return p.Planner != nil
	case "tools":
		return p.Tools != nil
	}
	return false
}

// UpdateConfig applies a partial configuration change and invalidates the
// instance.
func (r *Registry) UpdateConfig(ctx context.Context, id string, patch ConfigPatch) error {
	if patch.Tools != nil {
		if err := r.validateToolNames(*patch.Tools); err != nil {
			return err
		}
	}

	r.mu.Lock()
	def, ok := r.defs[id]
	if !ok || !def.IsActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	next := def.Clone()
	if patch.has("agent_type") {
		next.AgentType = ""
		if patch.AgentType != nil {
			next.AgentType = *patch.AgentType
		}
	}
	if patch.has("planner") {
		next.Planner = ""
		if patch.Planner != nil {
			next.Planner = *patch.Planner
		}
	}
	if patch.has("tools") {
		next.ToolNames = nil
		if patch.Tools != nil {
			next.ToolNames = append([]string(nil), (*patch.Tools)...)
		}
	}
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return err
	}

	next.Version = def.Version + 1
	r.defs[id] = next
	delete(r.instances, id)
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persistUpdate(ctx, snapshot)
	return nil
}

// BumpUsage increments usage bookkeeping at turn start.
func (r *Registry) BumpUsage(ctx context.Context, id string) {
	r.mu.Lock()
	if def, ok := r.defs[id]; ok {
		def.UsageCount++
		def.LastUsedAt = time.Now().UTC()
	}
	r.mu.Unlock()

	if err := r.store.BumpAgentUsage(ctx, id); err != nil {
		slog.Warn("Failed to persist usage bump", "agent_id", id, "error", err)
	}
}

// Stop signals cooperative cancellation to all active sessions driving this
// agent.
func (r *Registry) Stop(id string) {
	r.mu.RLock()
	hook := r.stopHook
	r.mu.RUnlock()
	if hook != nil {
		hook(id)
	}
}

// Invalidate drops the cached instance so the next EnsureInstance rebuilds.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
}

// EnsureInstance is the sole materialization path. Concurrent callers for
// the same agent observe one construction.
func (r *Registry) EnsureInstance(ctx context.Context, id string) (runner.Executable, error) {
	if exec, ok := r.cachedCurrent(ctx, id); ok {
		return exec, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		return r.materialize(ctx, id, make(map[string]bool))
	})
	if err != nil {
		return nil, err
	}
	return v.(runner.Executable), nil
}

// cachedCurrent returns the cached instance when its version matches the
// current definition.
func (r *Registry) cachedCurrent(ctx context.Context, id string) (runner.Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok || !def.IsActive {
		return nil, false
	}
	cached, ok := r.instances[id]
	if !ok || cached.version != def.Version {
		return nil, false
	}
	return cached.exec, true
}

// materialize builds an executable for id, recursing into sub-agents and
// agent tool references. visiting is the per-call cycle detection set; a
// revisit fails with ErrCyclicAgentTool and nothing is cached.
func (r *Registry) materialize(ctx context.Context, id string, visiting map[string]bool) (runner.Executable, error) {
	if visiting[id] {
		return nil, fmt.Errorf("%w: through %s", ErrCyclicAgentTool, id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	def, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	if exec, ok := r.cachedCurrent(ctx, id); ok {
		return exec, nil
	}

	var exec runner.Executable
	if def.IsTeam() {
		exec, err = r.materializeTeam(ctx, def, visiting)
	} else {
		exec, err = r.materializeLeaf(ctx, def, visiting)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Cache only if the definition did not move underneath us.
	if current, ok := r.defs[id]; ok && current.Version == def.Version {
		r.instances[id] = &cachedInstance{exec: exec, version: def.Version}
	}
	r.mu.Unlock()

	slog.Debug("Agent materialized", "agent_id", id, "agent_type", def.AgentType, "version", def.Version)
	return exec, nil
}

func (r *Registry) materializeLeaf(ctx context.Context, def *Definition, visiting map[string]bool) (runner.Executable, error) {
	spec, err := r.buildLeafSpec(ctx, def, visiting, nil)
	if err != nil {
		return nil, err
	}
	return newInstance(spec, r.runner), nil
}

// buildLeafSpec composes the system prompt and binds tools for a leaf agent.
// extraTools lets hierarchical composition add its sub-agent bindings.
func (r *Registry) buildLeafSpec(ctx context.Context, def *Definition, visiting map[string]bool, extraTools []runner.BoundTool) (runner.Spec, error) {
	var plain []string
	var agentRefs []string
	for _, name := range def.ToolNames {
		if _, ok := tool.ParseAgentRef(name); ok {
			agentRefs = append(agentRefs, name)
		} else {
			plain = append(plain, name)
		}
	}

	resolved, missing := r.tools.ResolveMany(plain)
	if len(missing) > 0 {
		return runner.Spec{}, fmt.Errorf("%w: %v", tool.ErrToolUnavailable, missing)
	}

	bound := make([]runner.BoundTool, 0, len(resolved)+len(agentRefs)+len(extraTools))
	for _, impl := range resolved {
		bound = append(bound, runner.Bind(impl))
	}

	for _, ref := range agentRefs {
		targetID, _ := tool.ParseAgentRef(ref)
		target, err := r.materialize(ctx, targetID, visiting)
		if err != nil {
			return runner.Spec{}, err
		}
		targetDef, err := r.Get(ctx, targetID)
		if err != nil {
			return runner.Spec{}, err
		}
		bound = append(bound, runner.Bind(agenttool.New(target, targetDef.Name, targetDef.Description)))
	}
	bound = append(bound, extraTools...)

	model := def.ModelID
	if model == "" {
		model = r.llm.Model
	}
	temperature := def.Temperature
	if temperature == 0 {
		temperature = r.llm.Temperature
	}
	maxTokens := def.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = r.llm.MaxTokens
	}

	return runner.Spec{
		AgentID:      def.ID,
		SystemPrompt: ComposeSystemPrompt(def),
		Tools:        bound,
		Model:        model,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}, nil
}

func (r *Registry) materializeTeam(ctx context.Context, def *Definition, visiting map[string]bool) (runner.Executable, error) {
	if def.AgentType == TypeHierarchical {
		return r.materializeHierarchical(ctx, def, visiting)
	}

	children := make([]runner.Executable, 0, len(def.SubAgentIDs))
	for _, subID := range def.SubAgentIDs {
		child, err := r.materialize(ctx, subID, visiting)
		if err != nil {
			return nil, wrapSubAgentErr(subID, err)
		}
		children = append(children, child)
	}

	rt := r.runtimeConfig()
	switch def.AgentType {
	case TypeSequential:
		return team.NewSequential(def.ID, children), nil
	case TypeParallel:
		return team.NewParallel(def.ID, children, team.Options{
			MergeBuffer:       rt.ParallelMergeBuffer,
			CancelGracePeriod: rt.CancelGracePeriod,
		}), nil
	case TypeLoop:
		return team.NewLoop(def.ID, children, rt.MaxLoopIterations), nil
	}
	return nil, fmt.Errorf("%w: unknown team type %q", ErrValidation, def.AgentType)
}

// materializeHierarchical builds the coordinator (the first sub-agent) with
// the remaining sub-agents bound as agent tools.
func (r *Registry) materializeHierarchical(ctx context.Context, def *Definition, visiting map[string]bool) (runner.Executable, error) {
	coordID := def.SubAgentIDs[0]
	coordDef, err := r.Get(ctx, coordID)
	if err != nil {
		return nil, wrapSubAgentErr(coordID, err)
	}
	if coordDef.IsTeam() {
		return nil, fmt.Errorf("%w: coordinator %s must be a leaf agent", ErrValidation, coordID)
	}
	if visiting[coordID] {
		return nil, fmt.Errorf("%w: through %s", ErrCyclicAgentTool, coordID)
	}
	visiting[coordID] = true
	defer delete(visiting, coordID)

	extras := make([]runner.BoundTool, 0, len(def.SubAgentIDs)-1)
	for _, subID := range def.SubAgentIDs[1:] {
		child, err := r.materialize(ctx, subID, visiting)
		if err != nil {
			return nil, wrapSubAgentErr(subID, err)
		}
		childDef, err := r.Get(ctx, subID)
		if err != nil {
			return nil, wrapSubAgentErr(subID, err)
		}
		extras = append(extras, runner.Bind(agenttool.New(child, childDef.Name, childDef.Description)))
	}

	spec, err := r.buildLeafSpec(ctx, coordDef, visiting, extras)
	if err != nil {
		return nil, wrapSubAgentErr(coordID, err)
	}
	return team.NewHierarchical(def.ID, newInstance(spec, r.runner)), nil
}

func wrapSubAgentErr(subID string, err error) error {
	if errors.Is(err, ErrCyclicAgentTool) || errors.Is(err, ErrSubAgentUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrSubAgentUnavailable, subID, err)
}

// validateToolNames checks attach targets: plain names must resolve and
// agent references must name known agents.
func (r *Registry) validateToolNames(names []string) error {
	var plain []string
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("%w: empty tool name", ErrValidation)
		}
		if targetID, ok := tool.ParseAgentRef(name); ok {
			r.mu.RLock()
			_, known := r.defs[targetID]
			r.mu.RUnlock()
			if !known {
				return fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
			}
			continue
		}
		plain = append(plain, name)
	}
	if _, missing := r.tools.ResolveMany(plain); len(missing) > 0 {
		return fmt.Errorf("%w: %v", tool.ErrToolUnavailable, missing)
	}
	return nil
}

// validateBindings verifies the tool and sub-agent references of a new or
// updated definition without materializing it.
func (r *Registry) validateBindings(def *Definition) error {
	if err := r.validateToolNames(def.ToolNames); err != nil {
		return err
	}
	for _, subID := range def.SubAgentIDs {
		r.mu.RLock()
		sub, ok := r.defs[subID]
		r.mu.RUnlock()
		if !ok || !sub.IsActive {
			return fmt.Errorf("%w: %s", ErrSubAgentUnavailable, subID)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Registry) persistUpdate(ctx context.Context, def *Definition) {
	if err := r.store.UpdateAgent(ctx, toRecord(def)); err != nil {
		slog.Warn("Failed to persist agent update, in-memory state stays authoritative",
			"agent_id", def.ID, "error", err)
	}
}
