// Package store holds the flag definitions used for local evaluation.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"sync/atomic"
)

// Flag states.
const (
	Enabled  = "ENABLED"
	Disabled = "DISABLED"
)

// Evaluation reasons.
const (
	ReasonStatic         = "STATIC"
	ReasonDefault        = "DEFAULT"
	ReasonTargetingMatch = "TARGETING_MATCH"
	ReasonDisabled       = "DISABLED"
)

var (
	ErrFlagNotFound = errors.New("flag not found")
	// ErrParse marks a flag definition that cannot be evaluated.
	ErrParse = errors.New("invalid flag definition")
)

// Document is one complete flag-definition payload.
type Document struct {
	Flags      map[string]Flag `json:"flags" yaml:"flags" toml:"flags"`
	Evaluators map[string]any  `json:"$evaluators,omitempty" yaml:"$evaluators,omitempty" toml:"$evaluators,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

type Flag struct {
	State          string         `json:"state" yaml:"state" toml:"state"`
	Variants       map[string]any `json:"variants" yaml:"variants" toml:"variants"`
	DefaultVariant string         `json:"defaultVariant" yaml:"defaultVariant" toml:"defaultVariant"`
	Targeting      any            `json:"targeting,omitempty" yaml:"targeting,omitempty" toml:"targeting,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

// HasTargeting reports whether the flag carries a non-empty rule.
func (f Flag) HasTargeting() bool {
	switch t := f.Targeting.(type) {
	case nil:
		return false
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Result of a local evaluation.
type Result struct {
	Value    any
	Variant  string
	Reason   string
	Metadata map[string]any
}

// Targeter evaluates targeting rules. An empty variant selects the default.
type Targeter interface {
	Target(flagKey string, rule any, evaluators map[string]any, evalCtx map[string]any) (variant string, err error)
}

// TargeterFunc adapts a function to a Targeter.
type TargeterFunc func(flagKey string, rule any, evaluators map[string]any, evalCtx map[string]any) (string, error)

func (f TargeterFunc) Target(flagKey string, rule any, evaluators map[string]any, evalCtx map[string]any) (string, error) {
	return f(flagKey, rule, evaluators, evalCtx)
}

// ParseJSON decodes a flagd JSON document.
func ParseJSON(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err := doc.Normalize(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Normalize validates the document and converts decoded numbers to int64 or
// float64, whichever decoder produced them.
func (d *Document) Normalize() error {
	if d.Flags == nil {
		return fmt.Errorf("%w: missing flags object", ErrParse)
	}
	for key, f := range d.Flags {
		if f.State == "" {
			f.State = Enabled
		}
		if f.State != Enabled && f.State != Disabled {
			return fmt.Errorf("%w: flag %q has unknown state %q", ErrParse, key, f.State)
		}
		if len(f.Variants) == 0 {
			return fmt.Errorf("%w: flag %q has no variants", ErrParse, key)
		}
		variants, err := normalizeMap(f.Variants)
		if err != nil {
			return fmt.Errorf("%w: flag %q: %w", ErrParse, key, err)
		}
		f.Variants = variants
		if f.Targeting, err = normalize(f.Targeting); err != nil {
			return fmt.Errorf("%w: flag %q: %w", ErrParse, key, err)
		}
		if f.Metadata, err = normalizeMap(f.Metadata); err != nil {
			return fmt.Errorf("%w: flag %q: %w", ErrParse, key, err)
		}
		d.Flags[key] = f
	}
	var err error
	if d.Evaluators, err = normalizeMap(d.Evaluators); err != nil {
		return fmt.Errorf("%w: $evaluators: %w", ErrParse, err)
	}
	if d.Metadata, err = normalizeMap(d.Metadata); err != nil {
		return fmt.Errorf("%w: metadata: %w", ErrParse, err)
	}
	return nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		return t.Float64()
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalizeMap(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// Store is safe for concurrent use. Readers see either the previous or the
// next document, never a partial one.
type Store struct {
	doc      atomic.Pointer[Document]
	targeter Targeter
}

// New returns an empty Store. targeter may be nil.
func New(targeter Targeter) *Store {
	s := &Store{targeter: targeter}
	s.doc.Store(&Document{Flags: map[string]Flag{}})
	return s
}

// Update replaces the document and returns the sorted keys that were added,
// removed or modified.
func (s *Store) Update(doc *Document) []string {
	if doc == nil {
		doc = &Document{}
	}
	if doc.Flags == nil {
		doc.Flags = map[string]Flag{}
	}
	old := s.doc.Swap(doc)
	return diff(old.Flags, doc.Flags)
}

// ApplyJSON parses data and replaces the current document with it. The store
// is unchanged when data is invalid.
func (s *Store) ApplyJSON(data string) ([]string, error) {
	doc, err := ParseJSON([]byte(data))
	if err != nil {
		return nil, err
	}
	return s.Update(doc), nil
}

func diff(old, next map[string]Flag) []string {
	changed := make([]string, 0)
	for k, f := range next {
		prev, ok := old[k]
		if !ok || !reflect.DeepEqual(prev, f) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

// Keys returns the sorted flag keys of the current document.
func (s *Store) Keys() []string {
	return slices.Sorted(maps.Keys(s.doc.Load().Flags))
}

// Get returns the current definition of key.
func (s *Store) Get(key string) (Flag, bool) {
	f, ok := s.doc.Load().Flags[key]
	return f, ok
}

// Metadata returns the document-level metadata.
func (s *Store) Metadata() map[string]any {
	return s.doc.Load().Metadata
}

// Evaluate resolves key against evalCtx.
func (s *Store) Evaluate(key string, evalCtx map[string]any) (Result, error) {
	doc := s.doc.Load()
	f, ok := doc.Flags[key]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrFlagNotFound, key)
	}
	md := mergeMetadata(doc.Metadata, f.Metadata)
	if f.State == Disabled {
		return Result{Reason: ReasonDisabled, Metadata: md}, fmt.Errorf("%w: %s is disabled", ErrFlagNotFound, key)
	}

	reason := ReasonStatic
	variant := f.DefaultVariant
	if f.HasTargeting() {
		reason = ReasonDefault
		if s.targeter != nil {
			v, err := s.targeter.Target(key, f.Targeting, doc.Evaluators, evalCtx)
			if err != nil {
				return Result{Metadata: md}, fmt.Errorf("targeting rule of %s: %w", key, err)
			}
			if v != "" {
				variant = v
				reason = ReasonTargetingMatch
			}
		}
	}

	value, ok := f.Variants[variant]
	if !ok {
		return Result{Metadata: md}, fmt.Errorf("%w: variant %q of %s does not exist", ErrParse, variant, key)
	}
	return Result{Value: value, Variant: variant, Reason: reason, Metadata: md}, nil
}

// mergeMetadata overlays flag metadata on document metadata.
func mergeMetadata(doc, flag map[string]any) map[string]any {
	if len(doc) == 0 && len(flag) == 0 {
		return nil
	}
	out := make(map[string]any, len(doc)+len(flag))
	maps.Copy(out, doc)
	maps.Copy(out, flag)
	return out
}
