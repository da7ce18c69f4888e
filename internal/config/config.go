// Package config resolves the settings document and its command-line
// override layers into one validated, immutable Settings value.
//
// Precedence, last write wins per field: file defaults, then generic
// -set path=value overrides, then the namespaced -search and -option
// overrides. Unknown keys are rejected by name, never ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freeeve/evalgen/internal/engine"
)

// Settings is the fully-resolved configuration for one run.
type Settings struct {
	EnginePath    string
	Weights       string
	Search        engine.Budget
	MaxCandidates int
	MultiPV       int
	FlushEvery    int
	MaxRetries    int
	Options       map[string]string // engine options, names case-sensitive
	ExtraArgs     []string          // engine command-line arguments
}

// Overrides carries the raw command-line override layers, unparsed.
type Overrides struct {
	Set        []string // generic path=value
	Search     []string // kind=..., value=..., or nodes/movetime/depth/infinite=N
	Options    []string // Name=value, open engine-option namespace
	EngineArgs []string // key=value or bare flag; replaces extra_args when set
}

// document mirrors the on-disk settings file. YAML is a superset of JSON,
// so either syntax parses. Pointer fields distinguish absent from zero.
type document struct {
	EnginePath    string         `yaml:"engine_path"`
	Weights       string         `yaml:"weights"`
	Search        searchDocument `yaml:"search"`
	MaxCandidates *int           `yaml:"max_candidates"`
	MultiPV       *int           `yaml:"multipv"`
	FlushEvery    *int           `yaml:"flush_every"`
	MaxRetries    *int           `yaml:"max_retries"`
	Options       map[string]any `yaml:"options"`
	ExtraArgs     []string       `yaml:"extra_args"`
}

type searchDocument struct {
	Kind  string `yaml:"kind"`
	Value *int   `yaml:"value"`
}

// Resolve loads the settings file (optional; path may be empty) and layers
// the overrides on top, returning a validated Settings.
func Resolve(path string, ov Overrides) (*Settings, error) {
	s := &Settings{
		Search:        engine.Budget{Kind: engine.BudgetNodes, Value: 100},
		MaxCandidates: 10,
		FlushEvery:    1,
		MaxRetries:    2,
		Options:       map[string]string{},
	}

	if path != "" {
		if err := loadFile(s, path); err != nil {
			return nil, err
		}
	}

	for _, kv := range ov.Set {
		key, value, err := splitOverride(kv)
		if err != nil {
			return nil, fmt.Errorf("-set %q: %w", kv, err)
		}
		if err := applyOverride(s, key, value); err != nil {
			return nil, err
		}
	}
	for _, kv := range ov.Search {
		key, value, err := splitOverride(kv)
		if err != nil {
			return nil, fmt.Errorf("-search %q: %w", kv, err)
		}
		if err := applySearchOverride(s, key, value); err != nil {
			return nil, err
		}
	}
	for _, kv := range ov.Options {
		name, value, err := splitOverride(kv)
		if err != nil {
			return nil, fmt.Errorf("-option %q: %w", kv, err)
		}
		s.Options[name] = value
	}
	if ov.EngineArgs != nil {
		s.ExtraArgs = engineArgs(ov.EngineArgs)
	}

	if s.MultiPV == 0 {
		if v, ok := s.Options["MultiPV"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("engine option MultiPV: %w", err)
			}
			s.MultiPV = n
		} else {
			s.MultiPV = s.MaxCandidates
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadFile(s *Settings, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var doc document
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if doc.EnginePath != "" {
		s.EnginePath = resolvePath(base, doc.EnginePath)
	}
	if doc.Weights != "" {
		s.Weights = resolvePath(base, doc.Weights)
	}
	if doc.Search.Kind != "" {
		kind, err := engine.ParseBudgetKind(doc.Search.Kind)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		s.Search.Kind = kind
	}
	if doc.Search.Value != nil {
		s.Search.Value = *doc.Search.Value
	}
	if doc.MaxCandidates != nil {
		s.MaxCandidates = *doc.MaxCandidates
	}
	if doc.MultiPV != nil {
		s.MultiPV = *doc.MultiPV
	}
	if doc.FlushEvery != nil {
		s.FlushEvery = *doc.FlushEvery
	}
	if doc.MaxRetries != nil {
		s.MaxRetries = *doc.MaxRetries
	}
	for name, value := range doc.Options {
		s.Options[name] = stringifyOption(value)
	}
	if doc.ExtraArgs != nil {
		s.ExtraArgs = doc.ExtraArgs
	}
	return nil
}

// applyOverride writes one generic dotted-path override. The recognized
// paths are a closed set; options.* is the one open namespace.
func applyOverride(s *Settings, key, value string) error {
	if name, ok := strings.CutPrefix(key, "options."); ok {
		if name == "" {
			return fmt.Errorf("empty engine option name in %q", key)
		}
		s.Options[name] = value
		return nil
	}

	switch key {
	case "engine_path":
		s.EnginePath = value
	case "weights":
		s.Weights = value
	case "search.kind":
		kind, err := engine.ParseBudgetKind(value)
		if err != nil {
			return err
		}
		s.Search.Kind = kind
	case "search.value":
		return setInt(&s.Search.Value, key, value)
	case "max_candidates":
		return setInt(&s.MaxCandidates, key, value)
	case "multipv":
		return setInt(&s.MultiPV, key, value)
	case "flush_every":
		return setInt(&s.FlushEvery, key, value)
	case "max_retries":
		return setInt(&s.MaxRetries, key, value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// applySearchOverride handles the -search layer: direct kind/value writes
// plus the budget-kind shortcuts, e.g. -search nodes=800.
func applySearchOverride(s *Settings, key, value string) error {
	switch key {
	case "kind":
		return applyOverride(s, "search.kind", value)
	case "value":
		return applyOverride(s, "search.value", value)
	case string(engine.BudgetInfinite):
		s.Search = engine.Budget{Kind: engine.BudgetInfinite}
		return nil
	}
	kind, err := engine.ParseBudgetKind(key)
	if err != nil {
		return fmt.Errorf("unknown search key %q (want kind, value, nodes, movetime, depth or infinite)", key)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("search %s: %w", key, err)
	}
	s.Search = engine.Budget{Kind: kind, Value: n}
	return nil
}

func (s *Settings) validate() error {
	if s.EnginePath == "" {
		return fmt.Errorf("engine_path is required")
	}
	if s.Weights == "" {
		return fmt.Errorf("weights is required")
	}
	if err := s.Search.Validate(); err != nil {
		return err
	}
	if s.MaxCandidates < 1 {
		return fmt.Errorf("max_candidates must be >= 1, got %d", s.MaxCandidates)
	}
	if s.MultiPV < 1 {
		return fmt.Errorf("multipv must be >= 1, got %d", s.MultiPV)
	}
	if s.FlushEvery < 1 {
		return fmt.Errorf("flush_every must be >= 1, got %d", s.FlushEvery)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", s.MaxRetries)
	}
	return nil
}

func splitOverride(kv string) (key, value string, err error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("want key=value")
	}
	return key, value, nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// engineArgs renders -engine-arg values as engine command-line flags:
// key=value becomes --key=value, a bare word becomes --word, and anything
// already starting with a dash passes through.
func engineArgs(raw []string) []string {
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		if strings.HasPrefix(a, "-") {
			args = append(args, a)
			continue
		}
		args = append(args, "--"+a)
	}
	return args
}

func resolvePath(base, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(base, target)
}

// stringifyOption renders a decoded YAML option value the way the engine
// wants it on a setoption line. Booleans must be lowercase words.
func stringifyOption(v any) string {
	if b, ok := v.(bool); ok {
		if b {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(v)
}
