package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/params"
	"github.com/pitabwire/relay/model"
)

// snapshot is an immutable view of every registered action. Versions per
// name are kept in registration order.
type snapshot struct {
	order    []string
	versions map[string][]string
	actions  map[string]map[string]*model.ActionDefinition
	checksum string
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		order:    append([]string(nil), s.order...),
		versions: make(map[string][]string, len(s.versions)),
		actions:  make(map[string]map[string]*model.ActionDefinition, len(s.actions)),
	}
	for name, vs := range s.versions {
		c.versions[name] = append([]string(nil), vs...)
	}
	for name, byVersion := range s.actions {
		m := make(map[string]*model.ActionDefinition, len(byVersion))
		for v, def := range byVersion {
			m[v] = def
		}
		c.actions[name] = m
	}
	return c
}

func (s *snapshot) add(def *model.ActionDefinition) {
	if _, ok := s.actions[def.Name]; !ok {
		s.actions[def.Name] = make(map[string]*model.ActionDefinition)
		s.order = append(s.order, def.Name)
	}
	s.actions[def.Name][def.Version] = def
	s.versions[def.Name] = append(s.versions[def.Name], def.Version)
}

func (s *snapshot) seal() {
	var parts []string
	for _, name := range s.order {
		parts = append(parts, name+"@"+strings.Join(s.versions[name], ","))
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}

func emptySnapshot() *snapshot {
	s := &snapshot{
		versions: make(map[string][]string),
		actions:  make(map[string]map[string]*model.ActionDefinition),
	}
	s.seal()
	return s
}

// Registry is a read-optimized, thread-safe store of action definitions.
// Reads are lock-free through an atomic snapshot; writers are serialized and
// publish a new snapshot.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	functions *params.Functions
	validator *Validator
}

// NewRegistry creates an empty Registry. Formatter and validator references
// in registered inputs are resolved against functions. A nil validator
// reserves the default global safe params.
func NewRegistry(functions *params.Functions, validator *Validator) *Registry {
	if functions == nil {
		functions = params.NewFunctions()
	}
	if validator == nil {
		validator = NewValidator(config.Defaults().General.GlobalSafeParams)
	}
	r := &Registry{functions: functions, validator: validator}
	r.snap.Store(emptySnapshot())
	return r
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Register validates def, resolves its input references and adds it as the
// newest version of its name. Registering an existing name and version is
// an error.
func (r *Registry) Register(def model.ActionDefinition) error {
	prepared, errs := r.prepare("action", def)
	if len(errs) > 0 {
		return VErrors(errs)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current()
	if _, exists := cur.actions[prepared.Name][prepared.Version]; exists {
		return VErrors{{Path: "action.version", Code: "DUPLICATE", Message: fmt.Sprintf("action %s@%s is already registered", prepared.Name, prepared.Version)}}
	}
	next := cur.clone()
	next.add(prepared)
	next.seal()
	r.snap.Store(next)
	return nil
}

// Replace atomically swaps the registry contents for defs. Nothing is
// replaced if any definition is invalid.
func (r *Registry) Replace(defs []model.ActionDefinition) error {
	defs = withDefaultVersions(defs)
	errs := r.validator.Validate(defs)
	next := emptySnapshot()
	for i, def := range defs {
		inputs, rerrs := r.functions.Resolve(def.Inputs)
		errs = append(errs, refErrors(fmt.Sprintf("actions[%d]", i), rerrs)...)
		if len(errs) == 0 {
			next.add(finalize(def, inputs))
		}
	}
	if len(errs) > 0 {
		return VErrors(errs)
	}
	next.seal()

	r.writeMu.Lock()
	r.snap.Store(next)
	r.writeMu.Unlock()
	return nil
}

func (r *Registry) prepare(prefix string, def model.ActionDefinition) (*model.ActionDefinition, []VError) {
	def.Version = versionOrDefault(def.Version)
	errs := r.validator.ValidateAction(prefix, def)
	inputs, rerrs := r.functions.Resolve(def.Inputs)
	errs = append(errs, refErrors(prefix, rerrs)...)
	if len(errs) > 0 {
		return nil, errs
	}
	return finalize(def, inputs), nil
}

// finalize returns the stored copy of def. Slices are copied so the caller
// cannot mutate a registered definition.
func finalize(def model.ActionDefinition, inputs map[string]model.InputContract) *model.ActionDefinition {
	def.Inputs = inputs
	def.Middleware = append([]string(nil), def.Middleware...)
	def.BlockedConnectionTypes = append([]string(nil), def.BlockedConnectionTypes...)
	return &def
}

func refErrors(prefix string, errs []error) []VError {
	out := make([]VError, 0, len(errs))
	for _, err := range errs {
		out = append(out, VError{Path: prefix, Code: "REF_NOT_FOUND", Message: err.Error()})
	}
	return out
}

func withDefaultVersions(defs []model.ActionDefinition) []model.ActionDefinition {
	out := make([]model.ActionDefinition, len(defs))
	for i, d := range defs {
		d.Version = versionOrDefault(d.Version)
		out[i] = d
	}
	return out
}

// Get returns the definition registered under name and version.
func (r *Registry) Get(name, version string) (*model.ActionDefinition, bool) {
	def, ok := r.current().actions[name][version]
	return def, ok
}

// Resolve returns the definition for name at version, or at the latest
// version when version is empty, along with the version used.
func (r *Registry) Resolve(name, version string) (*model.ActionDefinition, string, bool) {
	if version == "" {
		latest, ok := r.Latest(name)
		if !ok {
			return nil, "", false
		}
		version = latest
	}
	def, ok := r.Get(name, version)
	return def, version, ok
}

// Latest returns the most recently registered version of name. This is not
// necessarily the numerically highest one.
func (r *Registry) Latest(name string) (string, bool) {
	vs := r.current().versions[name]
	if len(vs) == 0 {
		return "", false
	}
	return vs[len(vs)-1], true
}

// Versions returns the registered versions of name in registration order.
func (r *Registry) Versions(name string) []string {
	return append([]string(nil), r.current().versions[name]...)
}

// HighestVersion returns the greatest registered version of name, compared
// as semantic versions when every version parses as one, then as numbers,
// then lexically.
func (r *Registry) HighestVersion(name string) (string, bool) {
	vs := r.Versions(name)
	if len(vs) == 0 {
		return "", false
	}
	sort.SliceStable(vs, func(i, j int) bool { return versionLess(vs[i], vs[j]) })
	return vs[len(vs)-1], true
}

func versionLess(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.LessThan(vb)
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}

// Names returns every registered action name, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.current().order...)
	sort.Strings(names)
	return names
}

// All returns every registered definition sorted by name, versions in
// registration order.
func (r *Registry) All() []*model.ActionDefinition {
	s := r.current()
	var defs []*model.ActionDefinition
	for _, name := range r.Names() {
		for _, v := range s.versions[name] {
			defs = append(defs, s.actions[name][v])
		}
	}
	return defs
}

// Len returns the number of registered name and version pairs.
func (r *Registry) Len() int {
	n := 0
	for _, vs := range r.current().versions {
		n += len(vs)
	}
	return n
}

// Checksum identifies the current set of registered name and version pairs.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// NormalizeVersion converts an apiVersion param as decoded from JSON, YAML
// or a URL into its registry form. Numbers print without a trailing ".0".
func NormalizeVersion(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
