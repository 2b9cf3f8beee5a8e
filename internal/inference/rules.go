// Package inference guesses clinic, patient and tooth from file names, first
// with a rule table and then with a batched call to the inference service.
package inference

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drjoon/abuts.fit-sub008/internal/fileid"
)

// Extraction kinds.
const (
	KindRegex        = "regex"
	KindTokenRange   = "token_range"
	KindTokenIndices = "token_indices"
	KindTokenIndex   = "token_index"
)

// Postprocess steps.
const (
	StripLeadingDigits = "strip_leading_digits"
	NormalizeSpaces    = "normalize_spaces"
)

// Extractor describes how one field is pulled out of a name. Value is a
// regex string, a range such as "0-end" or "0-2", an index, or a list of
// indices depending on Type.
type Extractor struct {
	Type        string    `yaml:"type" json:"type"`
	Value       yaml.Node `yaml:"value" json:"-"`
	Postprocess string    `yaml:"postprocess,omitempty" json:"postprocess,omitempty"`
}

// Rule is one entry of the rule table.
type Rule struct {
	ID          string  `yaml:"id"`
	Description string  `yaml:"description,omitempty"`
	Pattern     string  `yaml:"pattern"`
	Confidence  float64 `yaml:"confidence"`
	Extraction  struct {
		Clinic  *Extractor `yaml:"clinic,omitempty"`
		Patient *Extractor `yaml:"patient,omitempty"`
		Tooth   *Extractor `yaml:"tooth,omitempty"`
	} `yaml:"extraction"`
}

// Result is what was inferred for one file name.
type Result struct {
	ClinicName  string
	PatientName string
	Tooth       string
	Source      string // rule id, "ai" or "fallback"
}

// Complete reports whether every field was found.
func (r Result) Complete() bool {
	return r.ClinicName != "" && r.PatientName != "" && r.Tooth != ""
}

// Empty reports whether nothing was found.
func (r Result) Empty() bool {
	return r.ClinicName == "" && r.PatientName == "" && r.Tooth == ""
}

// merge fills fields of r that are empty from o.
func (r Result) merge(o Result) Result {
	if r.ClinicName == "" {
		r.ClinicName = o.ClinicName
	}
	if r.PatientName == "" {
		r.PatientName = o.PatientName
	}
	if r.Tooth == "" {
		r.Tooth = o.Tooth
	}
	return r
}

const defaultRulesYAML = `
- id: default_flexible
  description: tokens in any order, clinic before patient before tooth
  pattern: ".*"
  confidence: 0.7
  extraction:
    clinic:
      type: token_range
      value: 0-end
      postprocess: normalize_spaces
    patient:
      type: token_index
      value: -1
      postprocess: strip_leading_digits
    tooth:
      type: regex
      value: '(?:^|[_\-\s])([1-4][1-8])(?:[_\-\s.]|$)'
- id: pattern_date_patient_tooth
  description: date, patient, tooth and sequence, e.g. 20251119김혜영_32_1
  pattern: '^\d{8}[가-힣]+_\d+_\d+'
  confidence: 0.95
  extraction:
    patient:
      type: regex
      value: '^\d{8}([가-힣]+)'
      postprocess: strip_leading_digits
    tooth:
      type: regex
      value: '_([1-4][1-8])_'
`

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	var rules []Rule
	if err := yaml.Unmarshal([]byte(defaultRulesYAML), &rules); err != nil {
		panic(fmt.Sprintf("inference: default rules: %v", err))
	}
	return rules
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
	clinic  *regexp.Regexp
	patient *regexp.Regexp
	tooth   *regexp.Regexp
}

// RuleSet is a compiled rule table ordered by confidence.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules. Rules with invalid patterns are rejected.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		var err error
		if cr.pattern, err = regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("rule %s: pattern: %w", r.ID, err)
		}
		compile := func(e *Extractor) (*regexp.Regexp, error) {
			if e == nil || e.Type != KindRegex {
				return nil, nil
			}
			return regexp.Compile(e.Value.Value)
		}
		if cr.clinic, err = compile(r.Extraction.Clinic); err != nil {
			return nil, fmt.Errorf("rule %s: clinic: %w", r.ID, err)
		}
		if cr.patient, err = compile(r.Extraction.Patient); err != nil {
			return nil, fmt.Errorf("rule %s: patient: %w", r.ID, err)
		}
		if cr.tooth, err = compile(r.Extraction.Tooth); err != nil {
			return nil, fmt.Errorf("rule %s: tooth: %w", r.ID, err)
		}
		rs.rules = append(rs.rules, cr)
	}
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Confidence > rs.rules[j].Confidence
	})
	return rs, nil
}

// MustDefaultRuleSet compiles the built-in rules.
func MustDefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultRules())
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) (*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rules file %s is empty", path)
	}
	return NewRuleSet(rules)
}

var (
	tokenSplit   = regexp.MustCompile(`[_\-\s]+`)
	leadingDigit = regexp.MustCompile(`^[0-9]+[_\-\s]*`)
	spaces       = regexp.MustCompile(`\s+`)
	allDigits    = regexp.MustCompile(`^[0-9]+$`)
	toothToken   = regexp.MustCompile(`^[1-4][1-8]$`)
)

// Parse applies the first matching rule that extracts anything and falls
// back to a plain tokenizer otherwise.
func (rs *RuleSet) Parse(filename string) Result {
	name := fileid.Normalize(baseName(filename))
	for _, r := range rs.rules {
		if !r.pattern.MatchString(name) {
			continue
		}
		if res := r.apply(name); !res.Empty() {
			res.Source = r.ID
			return res
		}
		// The most confident matching rule decides; a miss goes to fallback.
		break
	}
	res := fallback(name)
	if !res.Empty() {
		res.Source = "fallback"
	}
	return res
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func tokens(name string) []string {
	stem := name
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	var out []string
	for _, p := range tokenSplit.Split(stem, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r compiledRule) apply(name string) Result {
	parts := tokens(name)
	var res Result

	if r.tooth != nil {
		res.Tooth = submatch(r.tooth, name)
	}

	patientIdx := len(parts)
	if e := r.Extraction.Patient; e != nil {
		switch e.Type {
		case KindRegex:
			res.PatientName = postprocess(submatch(r.patient, name), e.Postprocess)
		case KindTokenIndex:
			idx, _ := strconv.Atoi(e.Value.Value)
			if idx < 0 {
				for i := min(len(parts)+idx, len(parts)-1); i >= 0; i-- {
					if hasHangul(parts[i]) {
						res.PatientName = postprocess(parts[i], e.Postprocess)
						patientIdx = i
						break
					}
				}
			} else if idx < len(parts) {
				res.PatientName = postprocess(parts[idx], e.Postprocess)
				patientIdx = idx
			}
		}
	}

	if e := r.Extraction.Clinic; e != nil {
		var clinic string
		switch e.Type {
		case KindRegex:
			clinic = submatch(r.clinic, name)
		case KindTokenRange:
			end := len(parts)
			if res.Tooth != "" {
				for i, p := range parts {
					if strings.Contains(p, res.Tooth) {
						end = i
						break
					}
				}
			}
			end = min(end, patientIdx)
			clinic = strings.Join(tokenRange(parts, e.Value.Value, end), " ")
		case KindTokenIndices:
			var idxs []int
			_ = e.Value.Decode(&idxs)
			var picked []string
			for _, i := range idxs {
				if i >= 0 && i < len(parts) {
					picked = append(picked, parts[i])
				}
			}
			clinic = strings.Join(picked, " ")
		}
		res.ClinicName = postprocess(clinic, e.Postprocess)
	}
	return res
}

func tokenRange(parts []string, rng string, end int) []string {
	if rng == "0-end" {
		var out []string
		for i := 0; i < end && i < len(parts); i++ {
			if hasHangul(parts[i]) && !allDigits.MatchString(parts[i]) {
				out = append(out, parts[i])
			}
		}
		return out
	}
	lo, hi, ok := strings.Cut(rng, "-")
	if !ok {
		return nil
	}
	start, _ := strconv.Atoi(lo)
	stop, err := strconv.Atoi(hi)
	if err != nil {
		return nil
	}
	start = max(start, 0)
	stop = min(stop+1, len(parts))
	if start >= stop {
		return nil
	}
	return parts[start:stop]
}

func submatch(re *regexp.Regexp, s string) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func postprocess(v, kind string) string {
	if v == "" {
		return ""
	}
	switch kind {
	case StripLeadingDigits:
		v = leadingDigit.ReplaceAllString(v, "")
	case NormalizeSpaces:
		v = spaces.ReplaceAllString(strings.TrimSpace(v), " ")
	}
	return v
}

func hasHangul(s string) bool {
	for _, r := range s {
		if r >= '가' && r <= '힣' {
			return true
		}
	}
	return false
}

// fallback reads tokens left to right: the first tooth-like token is the
// tooth, the nearest Hangul token before it the patient, and the Hangul
// tokens before that the clinic.
func fallback(name string) Result {
	parts := tokens(name)
	toothIdx := len(parts)
	var res Result
	for i, p := range parts {
		if toothToken.MatchString(p) {
			res.Tooth = p
			toothIdx = i
			break
		}
	}
	patientIdx := -1
	for i := toothIdx - 1; i >= 0; i-- {
		if hasHangul(parts[i]) {
			res.PatientName = postprocess(parts[i], StripLeadingDigits)
			patientIdx = i
			break
		}
	}
	var clinic []string
	for i := 0; i < patientIdx; i++ {
		if hasHangul(parts[i]) {
			clinic = append(clinic, parts[i])
		}
	}
	res.ClinicName = strings.Join(clinic, " ")
	return res
}
