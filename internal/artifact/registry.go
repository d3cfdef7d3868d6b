package artifact

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/snare/patterns"
)

// RecognizerFile is the top-level YAML structure for a recognizer config file.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig defines one identifier-family recognizer. Each regex must
// contain exactly one capture group: the identifier value.
type RecognizerConfig struct {
	Name      string          `yaml:"name"`
	Category  string          `yaml:"category"`
	Canonical string          `yaml:"canonical"` // "upper_compact" (default) or "digits"
	Enabled   *bool           `yaml:"enabled,omitempty"`
	Patterns  []PatternConfig `yaml:"patterns"`
}

// PatternConfig is a single regex pattern within a recognizer.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParseRecognizerFile parses recognizer YAML bytes.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a recognizer YAML file from disk.
// Returns nil (not an error) if the file does not exist, so a missing
// operator override is a no-op.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

type compiledRecognizer struct {
	category  Category
	canonical string
	patterns  []*regexp.Regexp
}

// Registry holds the compiled identifier-family recognizers.
type Registry struct {
	recognizers []compiledRecognizer
	categories  []Category
}

// NewRegistry compiles the embedded defaults merged with the optional
// operator override file (entries merge by recognizer name, override wins).
// overridePath may be empty.
func NewRegistry(overridePath string) (*Registry, error) {
	defaults, err := ParseRecognizerFile(patterns.ArtifactsYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded artifact patterns: %w", err)
	}

	merged := defaults.Recognizers
	if overridePath != "" {
		override, err := LoadRecognizerFile(overridePath)
		if err != nil {
			return nil, err
		}
		if override != nil {
			merged = mergeRecognizers(merged, override.Recognizers)
		}
	}
	return compileRegistry(merged)
}

// MustNewRegistry is NewRegistry without an override file, panicking on a
// broken embedded pattern set.
func MustNewRegistry() *Registry {
	reg, err := NewRegistry("")
	if err != nil {
		panic(fmt.Sprintf("loading embedded artifact patterns: %v", err))
	}
	return reg
}

func mergeRecognizers(base, override []RecognizerConfig) []RecognizerConfig {
	index := make(map[string]int, len(base))
	merged := make([]RecognizerConfig, len(base))
	copy(merged, base)
	for i, rc := range merged {
		index[rc.Name] = i
	}
	for _, rc := range override {
		if idx, exists := index[rc.Name]; exists {
			merged[idx] = rc
		} else {
			index[rc.Name] = len(merged)
			merged = append(merged, rc)
		}
	}
	return merged
}

func compileRegistry(configs []RecognizerConfig) (*Registry, error) {
	reg := &Registry{}
	seenCat := make(map[Category]bool)
	for _, rc := range configs {
		if !rc.isEnabled() {
			continue
		}
		if rc.Category == "" {
			return nil, fmt.Errorf("recognizer %q has no category", rc.Name)
		}
		cr := compiledRecognizer{
			category:  Category(rc.Category),
			canonical: rc.Canonical,
		}
		for _, p := range rc.Patterns {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in recognizer %q: %w", p.Name, rc.Name, err)
			}
			if compiled.NumSubexp() != 1 {
				return nil, fmt.Errorf("pattern %q in recognizer %q must have exactly one capture group", p.Name, rc.Name)
			}
			cr.patterns = append(cr.patterns, compiled)
		}
		reg.recognizers = append(reg.recognizers, cr)
		if !seenCat[cr.category] {
			seenCat[cr.category] = true
			reg.categories = append(reg.categories, cr.category)
		}
	}
	return reg, nil
}

// Categories returns the distinct categories the registry can produce, in
// definition order.
func (r *Registry) Categories() []Category {
	return r.categories
}

// Extract runs every recognizer over normalized text.
func (r *Registry) Extract(t string) []Artifact {
	var out []Artifact
	for _, rec := range r.recognizers {
		for _, re := range rec.patterns {
			for _, m := range re.FindAllStringSubmatch(t, -1) {
				raw := m[1]
				canonical := canonicalIdentifier(raw, rec.canonical)
				if canonical == "" {
					continue
				}
				out = append(out, Artifact{Category: rec.category, Raw: raw, Canonical: canonical, Valid: true})
			}
		}
	}
	return out
}

// canonicalIdentifier normalizes an identifier per the recognizer's declared
// canonical form. CanonicalizeIdentifier (upper_compact) is the default.
func canonicalIdentifier(raw, form string) string {
	if form == "digits" {
		return onlyDigits(raw)
	}
	return CanonicalizeIdentifier(raw)
}

var identifierStripRE = regexp.MustCompile(`[\s._\-]+`)

// CanonicalizeIdentifier uppercases and strips whitespace and separator
// punctuation (dots, dashes, underscores). Slashes are kept: they are
// structural in references like FIR/2024/0113.
func CanonicalizeIdentifier(raw string) string {
	return strings.ToUpper(identifierStripRE.ReplaceAllString(strings.TrimSpace(raw), ""))
}
