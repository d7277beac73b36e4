// Package parser turns one free-text utterance into candidate field
// extractions against a schema registry. It is deterministic, keeps no
// state between calls, and never contacts an external model.
package parser

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spotsepsis/intake/internal/schema"
)

type Status string

const (
	StatusValid     Status = "valid"
	StatusAmbiguous Status = "ambiguous"
	StatusInvalid   Status = "invalid"
)

// Candidate is a proposed (field, value) pair not yet committed to a sheet.
type Candidate struct {
	Field  string       `json:"field"`
	Raw    string       `json:"raw"`
	Value  schema.Value `json:"value"`
	Status Status       `json:"status"`
	Reason string       `json:"reason,omitempty"`

	start int
	end   int
}

const (
	strengthWeak   = 1
	strengthStrong = 2
)

// crtProlongedSeconds is the threshold above which a capillary refill
// time reading codes crt.long as present.
const crtProlongedSeconds = 3.0

type match struct {
	field    string
	raw      string
	start    int
	end      int
	strength int
	value    schema.Value
	err      error
}

type rule func(text string) []match

type Parser struct {
	reg   *schema.Registry
	rules []rule
}

const numberPattern = `-?\d+(?:\.\d+)?`

var negationRe = regexp.MustCompile(`(?i)(?:\bno\b|\bnot\b|\bwithout\b|\bdenies\b)[\s:]*$`)

func New(reg *schema.Registry) *Parser {
	p := &Parser{reg: reg}
	for _, f := range reg.Fields() {
		p.compileField(f)
	}
	return p
}

func (p *Parser) compileField(f schema.FieldDefinition) {
	switch f.Type {
	case schema.TypeBool:
		if f.Name == "crt.long" {
			p.rules = append(p.rules, crtSecondsRule(f))
		}
		for _, a := range f.Aliases {
			p.rules = append(p.rules, boolLabeledRule(f, a, strengthStrong))
			p.rules = append(p.rules, boolPresenceRule(f, a, strengthStrong))
		}
		for _, a := range f.WeakAliases {
			p.rules = append(p.rules, boolLabeledRule(f, a, strengthWeak))
		}
	case schema.TypeCategorical:
		for _, a := range f.Aliases {
			p.rules = append(p.rules, categoricalLabeledRule(f, a, strengthStrong))
		}
		p.rules = append(p.rules, categoricalBareRule(f))
	case schema.TypeInt, schema.TypeFloat:
		switch f.Unit {
		case "months":
			p.rules = append(p.rules, ageSuffixRule(f))
			for _, a := range f.Aliases {
				p.rules = append(p.rules, ageLabeledRule(f, a, strengthStrong))
			}
		case "°C":
			for _, a := range f.Aliases {
				p.rules = append(p.rules, temperatureLabeledRule(f, a, strengthStrong))
			}
			if f.Name == "temp.c" {
				p.rules = append(p.rules, temperatureBareRule(f))
			}
		default:
			for _, a := range f.Aliases {
				p.rules = append(p.rules, numberLabeledRule(f, a, strengthStrong))
			}
			for _, a := range f.WeakAliases {
				p.rules = append(p.rules, numberLabeledRule(f, a, strengthWeak))
			}
		}
	case schema.TypeText:
		for _, a := range f.Aliases {
			p.rules = append(p.rules, textLabeledRule(f, a, strengthStrong))
		}
	}
}

// Parse extracts candidates from one utterance, ordered by position.
// An empty result is a recognition miss, not an error.
func (p *Parser) Parse(utterance string) []Candidate {
	var ms []match
	for _, r := range p.rules {
		ms = append(ms, r(utterance)...)
	}
	if len(ms) == 0 {
		return nil
	}
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].start != ms[j].start {
			return ms[i].start < ms[j].start
		}
		return ms[i].strength > ms[j].strength
	})

	keep := make([]bool, len(ms))
	for i := range keep {
		keep[i] = true
	}
	competing := make(map[int]map[string]bool)
	for i := 0; i < len(ms); i++ {
		for j := i + 1; j < len(ms); j++ {
			if !keep[i] || !keep[j] || !overlaps(ms[i], ms[j]) {
				continue
			}
			if ms[i].field == ms[j].field {
				// Same field matched the same tokens twice; keep the
				// stronger match, else the earlier one.
				if ms[j].strength > ms[i].strength {
					keep[i] = false
				} else {
					keep[j] = false
				}
				continue
			}
			switch {
			case ms[i].strength > ms[j].strength:
				keep[j] = false
			case ms[j].strength > ms[i].strength:
				keep[i] = false
			case containsSpan(ms[i], ms[j]):
				// A strictly longer match is the more specific reading.
				keep[j] = false
			case containsSpan(ms[j], ms[i]):
				keep[i] = false
			default:
				addCompetitor(competing, i, ms[j].field)
				addCompetitor(competing, j, ms[i].field)
			}
		}
	}

	var out []Candidate
	for i, m := range ms {
		if !keep[i] {
			continue
		}
		c := Candidate{
			Field: m.field,
			Raw:   strings.TrimSpace(m.raw),
			Value: m.value,
			start: m.start,
			end:   m.end,
		}
		if others := competing[i]; len(others) > 0 {
			c.Status = StatusAmbiguous
			c.Reason = "could also be " + joinFieldLabels(p.reg, others)
			out = append(out, c)
			continue
		}
		if m.err != nil {
			c.Status = StatusInvalid
			c.Reason = m.err.Error()
			out = append(out, c)
			continue
		}
		f := p.reg.MustLookup(m.field)
		if err := f.Validate(m.value); err != nil {
			c.Status = StatusInvalid
			c.Reason = err.Error()
		} else {
			c.Status = StatusValid
		}
		out = append(out, c)
	}
	return out
}

func overlaps(a, b match) bool {
	return a.start < b.end && b.start < a.end
}

func containsSpan(a, b match) bool {
	return a.start <= b.start && a.end >= b.end && (a.end-a.start) > (b.end-b.start)
}

func addCompetitor(m map[int]map[string]bool, idx int, field string) {
	if m[idx] == nil {
		m[idx] = map[string]bool{}
	}
	m[idx][field] = true
}

func joinFieldLabels(reg *schema.Registry, fields map[string]bool) string {
	var labels []string
	for name := range fields {
		labels = append(labels, reg.MustLookup(name).Label)
	}
	sort.Strings(labels)
	return strings.Join(labels, " or ")
}

// --- rule constructors ---

func aliasPattern(alias string) string {
	// Aliases may contain spaces; collapse them to flexible whitespace.
	quoted := regexp.QuoteMeta(alias)
	quoted = strings.ReplaceAll(quoted, " ", `[\s-]+`)
	return `\b` + quoted + `\b`
}

const labelSep = `\s*(?:is|was|of|at|:|=)?\s*`

func numberLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + labelSep + `(` + numberPattern + `)`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			token := text[loc[2]:loc[3]]
			v, err := f.Normalize(token)
			out = append(out, match{
				field: f.Name, raw: raw, start: loc[0], end: loc[1],
				strength: strength, value: v, err: err,
			})
		}
		return out
	}
}

func textLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + `\s*[:=]\s*([^,;.\n]+)`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			token := strings.TrimSpace(text[loc[2]:loc[3]])
			v, err := f.Normalize(token)
			out = append(out, match{
				field: f.Name, raw: raw, start: loc[0], end: loc[1],
				strength: strength, value: v, err: err,
			})
		}
		return out
	}
}

func boolLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + `\s*[:=]?\s*\b(yes|no|y|n|true|false|0|1|present|absent)\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			token := text[loc[2]:loc[3]]
			v, err := f.Normalize(token)
			out = append(out, match{
				field: f.Name, raw: raw, start: loc[0], end: loc[1],
				strength: strength, value: v, err: err,
			})
		}
		return out
	}
}

func boolPresenceRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias))
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			v := schema.Num(1)
			if negatedBefore(text, loc[0]) {
				v = schema.Num(0)
			}
			out = append(out, match{
				field: f.Name, raw: raw, start: loc[0], end: loc[1],
				strength: strength, value: v,
			})
		}
		return out
	}
}

func categoricalLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	var tokens []string
	for _, opt := range f.Enum {
		tokens = append(tokens, regexp.QuoteMeta(opt.Label))
		for _, a := range opt.Aliases {
			tokens = append(tokens, regexp.QuoteMeta(a))
		}
		tokens = append(tokens, strconv.FormatFloat(opt.Code, 'f', -1, 64))
	}
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + labelSep + `\b(` + strings.Join(tokens, "|") + `)\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			token := text[loc[2]:loc[3]]
			v, err := f.Normalize(token)
			out = append(out, match{
				field: f.Name, raw: raw, start: loc[0], end: loc[1],
				strength: strength, value: v, err: err,
			})
		}
		return out
	}
}

// categoricalBareRule matches distinctive category words ("male", "girl")
// standing alone in the utterance. Short tokens like "m" or "f" only match
// through the labeled rule.
func categoricalBareRule(f schema.FieldDefinition) rule {
	var tokens []string
	for _, opt := range f.Enum {
		if len(opt.Label) >= 3 {
			tokens = append(tokens, regexp.QuoteMeta(opt.Label))
		}
		for _, a := range opt.Aliases {
			if len(a) >= 3 {
				tokens = append(tokens, regexp.QuoteMeta(a))
			}
		}
	}
	if len(tokens) == 0 {
		return func(string) []match { return nil }
	}
	re := regexp.MustCompile(`(?i)\b(` + strings.Join(tokens, "|") + `)\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			token := text[loc[2]:loc[3]]
			v, err := f.Normalize(token)
			out = append(out, match{
				field: f.Name, raw: token, start: loc[0], end: loc[1],
				strength: strengthStrong, value: v, err: err,
			})
		}
		return out
	}
}

// ageSuffixRule reads "2 years", "2-year-old", "18 months" and converts
// to the field's canonical unit (months).
func ageSuffixRule(f schema.FieldDefinition) rule {
	yearsRe := regexp.MustCompile(`(?i)\b(` + numberPattern + `)[\s-]*(?:years?|yrs?|y)(?:[\s-]*old)?\b`)
	monthsRe := regexp.MustCompile(`(?i)\b(` + numberPattern + `)[\s-]*(?:months?|mos?|mo)(?:[\s-]*old)?\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range yearsRe.FindAllStringSubmatchIndex(text, -1) {
			n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
			out = append(out, match{
				field: f.Name, raw: text[loc[0]:loc[1]], start: loc[0], end: loc[1],
				strength: strengthStrong, value: schema.Num(n * 12), err: err,
			})
		}
		for _, loc := range monthsRe.FindAllStringSubmatchIndex(text, -1) {
			n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
			out = append(out, match{
				field: f.Name, raw: text[loc[0]:loc[1]], start: loc[0], end: loc[1],
				strength: strengthStrong, value: schema.Num(n), err: err,
			})
		}
		return out
	}
}

// ageLabeledRule reads "age: 18" (months assumed) or "age 2 years".
func ageLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + labelSep + `(` + numberPattern + `)\s*(years?|yrs?|y|months?|mos?|mo)?\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
			unit := ""
			if loc[4] >= 0 {
				unit = strings.ToLower(text[loc[4]:loc[5]])
			}
			if strings.HasPrefix(unit, "y") {
				n *= 12
			}
			out = append(out, match{
				field: f.Name, raw: text[loc[0]:loc[1]], start: loc[0], end: loc[1],
				strength: strength, value: schema.Num(n), err: err,
			})
		}
		return out
	}
}

// temperatureLabeledRule reads "temp 38.5", "temperature: 101.3F" and
// converts Fahrenheit readings to the canonical °C.
func temperatureLabeledRule(f schema.FieldDefinition, alias string, strength int) rule {
	re := regexp.MustCompile(`(?i)` + aliasPattern(alias) + labelSep + `(` + numberPattern + `)\s*°?\s*([cf])?\b`)
	return func(text string) []match {
		return temperatureMatches(f, re, strength, text)
	}
}

// temperatureBareRule reads explicit degree readings like "38.5C" or
// "101 °F" with no field label.
func temperatureBareRule(f schema.FieldDefinition) rule {
	re := regexp.MustCompile(`(?i)\b(` + numberPattern + `)\s*°?\s*([cf])\b`)
	return func(text string) []match {
		return temperatureMatches(f, re, strengthStrong, text)
	}
}

func temperatureMatches(f schema.FieldDefinition, re *regexp.Regexp, strength int, text string) []match {
	var out []match
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		if loc[4] >= 0 && strings.EqualFold(text[loc[4]:loc[5]], "f") {
			n = fahrenheitToCelsius(n)
		}
		out = append(out, match{
			field: f.Name, raw: text[loc[0]:loc[1]], start: loc[0], end: loc[1],
			strength: strength, value: schema.Num(n), err: err,
		})
	}
	return out
}

func fahrenheitToCelsius(f float64) float64 {
	return math.Round((f-32)*5/9*10) / 10
}

// crtSecondsRule reads a capillary refill time in seconds and codes the
// prolonged flag against the clinical threshold.
func crtSecondsRule(f schema.FieldDefinition) rule {
	re := regexp.MustCompile(`(?i)\b(?:crt|cap(?:illary)?[\s-]+refill)\b` + labelSep + `(` + numberPattern + `)\s*(?:s|secs?|seconds)?\b`)
	return func(text string) []match {
		var out []match
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			n, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
			v := schema.Num(0)
			if n >= crtProlongedSeconds {
				v = schema.Num(1)
			}
			if err == nil && (n < 0 || n > 30) {
				err = fmt.Errorf("%s: capillary refill %v seconds is implausible", f.Name, n)
			}
			out = append(out, match{
				field: f.Name, raw: text[loc[0]:loc[1]], start: loc[0], end: loc[1],
				strength: strengthStrong, value: v, err: err,
			})
		}
		return out
	}
}

func negatedBefore(text string, start int) bool {
	prefix := text[:start]
	if len(prefix) > 24 {
		prefix = prefix[len(prefix)-24:]
	}
	return negationRe.MatchString(prefix)
}
