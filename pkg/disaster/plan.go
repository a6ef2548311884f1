package disaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/forgevault/forgevault/internal/logger"
)

// ErrNoPlan indicates no recovery plan matches the event.
var ErrNoPlan = errors.New("no recovery plan matches")

// Action is a recovery step's dispatch kind.
type Action string

const (
	ActionScript   Action = "script"
	ActionManual   Action = "manual"
	ActionWait     Action = "wait"
	ActionCheck    Action = "check"
	ActionRepair   Action = "repair"
	ActionRebuild  Action = "rebuild"
	ActionRestore  Action = "restore"
	ActionValidate Action = "validate"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionScript, ActionManual, ActionWait, ActionCheck,
		ActionRepair, ActionRebuild, ActionRestore, ActionValidate:
		return true
	}
	return false
}

// Step is one ordered action within a plan.
type Step struct {
	// Name identifies the step within its plan.
	Name string `yaml:"name" json:"name"`

	Action Action `yaml:"action" json:"action"`

	// Params carries action-specific settings: "command" for script
	// steps, "duration_seconds" for wait steps, "check_id" for check
	// steps, "document_id" for recovery steps.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`

	// TimeoutSeconds bounds one attempt. 0 applies the executor default.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// Retries is how many times a failed attempt is re-run.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// CanFail lets the plan continue past this step's exhausted failure.
	CanFail bool `yaml:"can_fail,omitempty" json:"can_fail,omitempty"`

	// Order positions the step; steps execute in ascending order. A
	// zero order inherits the step's position in the document.
	Order int `yaml:"order,omitempty" json:"order,omitempty"`
}

// Plan is a named recovery procedure attached to a disaster kind and,
// optionally, a severity.
type Plan struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Kind is the disaster kind this plan handles. Severity narrows the
	// match; empty matches any severity of the kind.
	Kind     string `yaml:"kind" json:"kind"`
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`

	Steps    []Step `yaml:"steps" json:"steps"`
	Rollback []Step `yaml:"rollback,omitempty" json:"rollback,omitempty"`

	// PreChecks and PostChecks are health-check ids. Pre-checks are
	// advisory; post-checks must all pass for the recovery to succeed.
	PreChecks  []string `yaml:"pre_checks,omitempty" json:"pre_checks,omitempty"`
	PostChecks []string `yaml:"post_checks,omitempty" json:"post_checks,omitempty"`

	EstimatedMinutes int `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty"`

	// ManualApproval blocks auto-failover; recovery waits for an
	// explicit InitiateRecovery call.
	ManualApproval bool `yaml:"manual_approval,omitempty" json:"manual_approval,omitempty"`
}

// Validate checks structural soundness and assigns default step orders.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if p.Kind == "" {
		return fmt.Errorf("plan %s: kind is required", p.ID)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s: at least one step is required", p.ID)
	}
	for _, steps := range [][]Step{p.Steps, p.Rollback} {
		for i := range steps {
			s := &steps[i]
			if s.Name == "" {
				return fmt.Errorf("plan %s: step %d has no name", p.ID, i)
			}
			if !s.Action.IsValid() {
				return fmt.Errorf("plan %s: step %s has unknown action %q", p.ID, s.Name, s.Action)
			}
			if s.Order == 0 {
				s.Order = i + 1
			}
		}
	}
	return nil
}

// orderedSteps returns steps sorted by ascending order.
func orderedSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Registry holds the recovery plans, loaded from YAML documents and
// optionally hot-reloaded when the plan directory changes.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	// fileIDs maps a source file to the plan it defined, so a rewrite
	// or removal replaces the old definition.
	fileIDs map[string]string

	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates an empty registry. dir may be empty when plans
// are only registered programmatically.
func NewRegistry(dir string) *Registry {
	return &Registry{
		plans:   make(map[string]*Plan),
		fileIDs: make(map[string]string),
		dir:     dir,
	}
}

// Register validates and stores a plan, replacing any previous
// definition with the same id.
func (r *Registry) Register(plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan
	return nil
}

// Get returns a plan by id.
func (r *Registry) Get(id string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	return p, ok
}

// List returns all plans sorted by id.
func (r *Registry) List() []*Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match selects the plan for a (kind, severity) pair: an exact
// kind+severity match wins, then a kind-only plan. Ties break by id.
func (r *Registry) Match(kind, severity string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kindOnly *Plan
	var exact *Plan
	for _, p := range r.plans {
		if p.Kind != kind {
			continue
		}
		switch {
		case p.Severity == severity:
			if exact == nil || p.ID < exact.ID {
				exact = p
			}
		case p.Severity == "":
			if kindOnly == nil || p.ID < kindOnly.ID {
				kindOnly = p
			}
		}
	}
	if exact != nil {
		return exact, nil
	}
	if kindOnly != nil {
		return kindOnly, nil
	}
	return nil, fmt.Errorf("%w: kind=%s severity=%s", ErrNoPlan, kind, severity)
}

// LoadDir reads every *.yaml/*.yml plan document under the registry's
// directory. Invalid documents are skipped with a warning so one bad
// plan cannot take down the rest.
func (r *Registry) LoadDir() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading plan directory: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := r.loadFile(path); err != nil {
			logger.Warn("Skipping invalid recovery plan", "file", path, "error", err)
			continue
		}
		loaded++
	}
	logger.Info("Loaded recovery plans", "dir", r.dir, "count", loaded)
	return nil
}

func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// loadFile parses one plan document and swaps it into the registry.
func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.fileIDs[path]; ok && prev != plan.ID {
		delete(r.plans, prev)
	}
	r.fileIDs[path] = plan.ID
	r.plans[plan.ID] = &plan
	return nil
}

// removeFile drops the plan a deleted document defined.
func (r *Registry) removeFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.fileIDs[path]; ok {
		delete(r.plans, id)
		delete(r.fileIDs, path)
		logger.Info("Removed recovery plan", "plan", id, "file", path)
	}
}

// Watch hot-reloads plan documents as the directory changes. Call
// Close to stop watching.
func (r *Registry) Watch() error {
	if r.dir == "" {
		return errors.New("registry has no plan directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating plan watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}
	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPlanFile(filepath.Base(event.Name)) {
					continue
				}
				switch {
				case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
					if err := r.loadFile(event.Name); err != nil {
						logger.Warn("Ignoring invalid plan update", "file", event.Name, "error", err)
					} else {
						logger.Info("Reloaded recovery plan", "file", event.Name)
					}
				case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
					r.removeFile(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Plan watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	r.watcher = nil
	return err
}

// PlanSchema returns the JSON schema of a plan document, for editor
// tooling and plan validation pipelines.
func PlanSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&Plan{})
	return json.MarshalIndent(schema, "", "  ")
}
