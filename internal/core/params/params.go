// Package params validates and normalizes the per-type payload of a task
// before it is persisted. Every task type owns a JSON schema and a typed
// variant; the registry maps the type tag to its decoder so new types can be
// added without touching the others.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

var (
	ErrInvalidParams = errors.New("invalid task params")
	ErrUnknownType   = fmt.Errorf("%w: unknown task type", ErrInvalidParams)
)

// FieldError names the offending field of a rejected payload.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid params: %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidParams
}

func fieldErr(field, format string, args ...interface{}) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Params is the closed set of normalized payloads, one variant per task type.
type Params interface {
	TaskType() models.TaskType
	normalize() error
}

// Reserver is implemented by variants that consume catalog stock when dispatched.
type Reserver interface {
	Reservation() (productID uint, quantity int64)
}

type decoder struct {
	schema *jsonschema.Schema
	newFn  func() Params
}

type Registry struct {
	mu       sync.RWMutex
	decoders map[models.TaskType]decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[models.TaskType]decoder)}
}

// Register compiles schema and binds it to the variant constructor for t.
func (r *Registry) Register(t models.TaskType, schema string, newFn func() Params) error {
	if newFn == nil {
		return fmt.Errorf("register %s: nil constructor", t)
	}
	url := string(t) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("register %s: add schema: %w", t, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("register %s: compile schema: %w", t, err)
	}
	if got := newFn().TaskType(); got != t {
		return fmt.Errorf("register %s: constructor builds %s", t, got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[t] = decoder{schema: compiled, newFn: newFn}
	return nil
}

func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) Supports(t models.TaskType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[t]
	return ok
}

// Decode validates raw against the schema of t and returns the normalized variant.
func (r *Registry) Decode(t models.TaskType, raw []byte) (Params, error) {
	r.mu.RLock()
	d, ok := r.decoders[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fieldErr("params", "malformed JSON: %v", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return nil, schemaFieldError(err)
	}

	p := d.newFn()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fieldErr("params", "decode: %v", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode renders the canonical JSON form of p. Decoding the result yields p again.
func Encode(p Params) (json.RawMessage, error) {
	if p == nil {
		return nil, fieldErr("params", "missing payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", p.TaskType(), err)
	}
	return b, nil
}

func schemaFieldError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fieldErr("params", "%v", err)
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if field == "" {
		field = "params"
	}
	return &FieldError{Field: field, Reason: leaf.Message}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry with every built-in task type.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		for _, b := range builtins {
			if err := r.Register(b.taskType, b.schema, b.newFn); err != nil {
				panic(err)
			}
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

func Decode(t models.TaskType, raw []byte) (Params, error) {
	return Default().Decode(t, raw)
}
