// Package pronounce applies ordered regex substitutions to text before TTS
// and after STT.
//
// Rules are loaded from layered YAML sources: built-in defaults, the user
// file under ~/.voicemode/config, and any extra paths from the environment.
// Later layers override earlier ones by rule name. A rule whose pattern
// fails to compile is disabled with a warning; it never fails the engine.
package pronounce

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction selects which rule list applies.
type Direction string

const (
	DirectionTTS Direction = "tts"
	DirectionSTT Direction = "stt"
)

// Rule is one substitution declaration.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Order       int    `yaml:"order" json:"order"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Private     bool   `yaml:"private,omitempty" json:"private,omitempty"`
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	insertAt int // insertion index, the stable tiebreak for equal Order
}

// file is the on-disk YAML shape.
type file struct {
	Version       int      `yaml:"version"`
	TTSRules      []Rule   `yaml:"tts_rules"`
	STTRules      []Rule   `yaml:"stt_rules"`
	PhoneticNouns []string `yaml:"phonetic_nouns"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the warning logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSubstitutionLogging logs every rule application at debug level.
func WithSubstitutionLogging(on bool) Option {
	return func(e *Engine) { e.logSubs = on }
}

// Engine holds the compiled rule lists. Immutable after construction; safe
// for concurrent use.
type Engine struct {
	tts     []compiledRule
	stt     []compiledRule
	nouns   []string
	logger  *slog.Logger
	logSubs bool
}

// NewEngine builds an engine from already-merged rules. Most callers use
// [LoadLayers] instead.
func NewEngine(ttsRules, sttRules []Rule, nouns []string, opts ...Option) *Engine {
	e := &Engine{logger: slog.Default(), nouns: nouns}
	for _, o := range opts {
		o(e)
	}
	e.tts = e.compile(DirectionTTS, ttsRules)
	e.stt = e.compile(DirectionSTT, sttRules)
	return e
}

// LoadLayers reads each path in order and merges rules by name, later
// layers overriding earlier ones. The built-in defaults form the first
// layer. Missing files are skipped; a file that exists but fails to parse
// is an error.
func LoadLayers(paths []string, opts ...Option) (*Engine, error) {
	merged := map[Direction]map[string]Rule{
		DirectionTTS: {},
		DirectionSTT: {},
	}
	order := map[Direction][]string{}
	nouns := map[string]bool{}

	seed := func(dir Direction, rules []Rule) {
		for _, r := range rules {
			order[dir] = append(order[dir], r.Name)
			merged[dir][r.Name] = r
		}
	}
	ttsDef, sttDef := DefaultRules()
	seed(DirectionTTS, ttsDef)
	seed(DirectionSTT, sttDef)

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("pronounce: open %q: %w", path, err)
		}
		layer, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("pronounce: parse %q: %w", path, err)
		}

		apply := func(dir Direction, rules []Rule) {
			for _, r := range rules {
				if _, seen := merged[dir][r.Name]; !seen {
					order[dir] = append(order[dir], r.Name)
				}
				merged[dir][r.Name] = r
			}
		}
		apply(DirectionTTS, layer.TTSRules)
		apply(DirectionSTT, layer.STTRules)
		for _, n := range layer.PhoneticNouns {
			nouns[n] = true
		}
	}

	collect := func(dir Direction) []Rule {
		rules := make([]Rule, 0, len(order[dir]))
		for _, name := range order[dir] {
			rules = append(rules, merged[dir][name])
		}
		return rules
	}
	nounList := make([]string, 0, len(nouns))
	for n := range nouns {
		nounList = append(nounList, n)
	}
	slices.Sort(nounList)

	return NewEngine(collect(DirectionTTS), collect(DirectionSTT), nounList, opts...), nil
}

func parse(r io.Reader) (*file, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &file{Version: 1}, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported version %d", f.Version)
	}
	return &f, nil
}

// compile sorts by Order (insertion order breaking ties) and compiles
// patterns, disabling any that fail.
func (e *Engine) compile(dir Direction, rules []Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{Rule: r, insertAt: i}
		if r.Enabled {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				e.logger.Warn("pronounce: disabling rule with invalid pattern",
					"direction", dir,
					"rule", r.Name,
					"err", err,
				)
				cr.Enabled = false
			} else {
				cr.re = re
			}
		}
		out = append(out, cr)
	}
	slices.SortStableFunc(out, func(a, b compiledRule) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		return a.insertAt - b.insertAt
	})
	return out
}

// ProcessTTS applies the TTS rules in order.
func (e *Engine) ProcessTTS(text string) string {
	return e.apply(DirectionTTS, e.tts, text)
}

// ProcessSTT applies the STT rules in order, then the phonetic corrector,
// and collapses any doubled whitespace deletion rules leave behind.
func (e *Engine) ProcessSTT(text string) string {
	text = e.apply(DirectionSTT, e.stt, text)
	text = e.correctNouns(text)
	return normalizeSpace(text)
}

func (e *Engine) apply(dir Direction, rules []compiledRule, text string) string {
	for _, r := range rules {
		if !r.Enabled || r.re == nil {
			continue
		}
		next := r.re.ReplaceAllString(text, r.Replacement)
		if e.logSubs && next != text {
			e.logger.Debug("pronounce: rule applied",
				"direction", dir,
				"rule", r.Name,
				"before", text,
				"after", next,
			)
		}
		text = next
	}
	return text
}

// Rules returns a snapshot of one direction's rules in application order.
// Private rules are omitted unless includePrivate is set.
func (e *Engine) Rules(dir Direction, includePrivate bool) []Rule {
	var src []compiledRule
	switch dir {
	case DirectionTTS:
		src = e.tts
	case DirectionSTT:
		src = e.stt
	}
	out := make([]Rule, 0, len(src))
	for _, r := range src {
		if r.Private && !includePrivate {
			continue
		}
		out = append(out, r.Rule)
	}
	return out
}

// DefaultRules is the built-in bottom layer: a handful of substitutions
// that make technical text speakable.
func DefaultRules() ([]Rule, []Rule) {
	tts := []Rule{
		{Name: "api", Order: 10, Pattern: `\bAPI\b`, Replacement: "A P I", Enabled: true, Description: "spell out API"},
		{Name: "cli", Order: 10, Pattern: `\bCLI\b`, Replacement: "C L I", Enabled: true, Description: "spell out CLI"},
		{Name: "url", Order: 10, Pattern: `\bURL\b`, Replacement: "U R L", Enabled: true, Description: "spell out URL"},
		{Name: "kubectl", Order: 20, Pattern: `\bkubectl\b`, Replacement: "kube control", Enabled: true},
	}
	stt := []Rule{
		{Name: "strip-fillers", Order: 10, Pattern: `(?i)\b(um|uh|erm)[,.]?\s*`, Replacement: "", Enabled: true, Description: "drop filler words"},
	}
	return tts, stt
}

// normalizeSpace collapses doubled spaces rules can leave behind.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
