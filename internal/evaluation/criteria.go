// Package evaluation applies project rule sets to completed requests and
// drives pass-rate alerting. Evaluation runs off the hot path; a failing
// criterion never touches the client response.
package evaluation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Severity orders how bad a failed criterion is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Input is everything a criterion can look at for one request.
type Input struct {
	RequestID    string            `json:"requestId"`
	Model        string            `json:"model"`
	Path         string            `json:"path"`
	Input        string            `json:"input"`
	Output       string            `json:"output"`
	ResponseBody json.RawMessage   `json:"responseBody,omitempty"`
	LatencyMs    int64             `json:"latencyMs"`
	CostUSD      float64           `json:"cost"`
	RequestedAt  time.Time         `json:"requestedAt"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// CriterionResult is the outcome of one criterion against one input.
type CriterionResult struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Passed     bool                   `json:"passed"`
	Score      float64                `json:"score"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   Severity               `json:"severity"`
	DurationMs float64                `json:"durationMs"`
}

// Criterion is the stored, tagged form of one check. Type selects the
// config shape; BuildEvaluator validates it once at registration.
type Criterion struct {
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	Enabled  *bool           `json:"enabled,omitempty"` // nil means enabled
	Severity Severity        `json:"severity,omitempty"`
	Config   json.RawMessage `json:"config"`
}

func (c *Criterion) enabled() bool { return c.Enabled == nil || *c.Enabled }

func (c *Criterion) severity() Severity {
	if _, ok := severityRank[c.Severity]; ok {
		return c.Severity
	}
	return SeverityWarning
}

// Evaluator is one compiled criterion.
type Evaluator interface {
	Evaluate(in *Input) CriterionResult
}

// ErrNotImplemented marks criterion types whose contract is reserved but
// whose execution backend does not exist yet.
type ErrNotImplemented struct{ Type string }

func (e *ErrNotImplemented) Error() string {
	return fmt.Sprintf("criterion type %q is reserved but not implemented", e.Type)
}

// BuildEvaluator validates a criterion's config and compiles it. Invalid
// configs are rejected here, at registration, never at evaluation time.
func BuildEvaluator(c *Criterion) (Evaluator, error) {
	switch c.Type {
	case "regex_match", "regex_no_match":
		return buildRegex(c)
	case "contains", "not_contains":
		return buildContains(c)
	case "json_schema":
		return buildJSONSchema(c)
	case "json_path_exists", "json_path_equals":
		return buildJSONPath(c)
	case "length_min", "length_max":
		return buildLength(c)
	case "latency_max":
		return buildThreshold(c, "maxMs", func(in *Input) float64 { return float64(in.LatencyMs) })
	case "cost_max":
		return buildThreshold(c, "maxUsd", func(in *Input) float64 { return in.CostUSD })
	case "sentiment":
		return buildSentiment(c)
	case "toxicity":
		return &toxicityEvaluator{base: base(c)}, nil
	case "pii_detection":
		return &piiEvaluator{base: base(c)}, nil
	case "composite":
		return buildComposite(c)
	case "llm_judge", "custom_function":
		return nil, &ErrNotImplemented{Type: c.Type}
	default:
		return nil, fmt.Errorf("unknown criterion type %q", c.Type)
	}
}

// baseResult seeds a result with the criterion identity and timing hook.
type baseResult struct {
	name     string
	ctype    string
	severity Severity
}

func base(c *Criterion) baseResult {
	return baseResult{name: c.Name, ctype: c.Type, severity: c.severity()}
}

func (b baseResult) result(passed bool, score float64, message string, start time.Time) CriterionResult {
	return CriterionResult{
		Name:       b.name,
		Type:       b.ctype,
		Passed:     passed,
		Score:      score,
		Message:    message,
		Severity:   b.severity,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// ============================================================================
// REGEX / CONTAINS
// ============================================================================

type regexEvaluator struct {
	base   baseResult
	re     *regexp.Regexp
	negate bool
}

func buildRegex(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Pattern string `json:"pattern"`
		Flags   string `json:"flags"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil || cfg.Pattern == "" {
		return nil, fmt.Errorf("criterion %q: pattern is required", c.Name)
	}
	expr := cfg.Pattern
	for _, f := range cfg.Flags {
		switch f {
		case 'i':
			expr = "(?i)" + expr
		case 's':
			expr = "(?s)" + expr
		case 'm':
			expr = "(?m)" + expr
		default:
			return nil, fmt.Errorf("criterion %q: unknown regex flag %q", c.Name, string(f))
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("criterion %q: %w", c.Name, err)
	}
	return &regexEvaluator{base: base(c), re: re, negate: c.Type == "regex_no_match"}, nil
}

func (e *regexEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	matched := e.re.MatchString(in.Output)
	passed := matched != e.negate
	msg := ""
	if !passed {
		if e.negate {
			msg = fmt.Sprintf("output matches forbidden pattern %s", e.re)
		} else {
			msg = fmt.Sprintf("output does not match pattern %s", e.re)
		}
	}
	return e.base.result(passed, boolScore(passed), msg, start)
}

type containsEvaluator struct {
	base          baseResult
	needle        string
	caseSensitive bool
	negate        bool
}

func buildContains(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Value         string `json:"value"`
		CaseSensitive *bool  `json:"caseSensitive"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil || cfg.Value == "" {
		return nil, fmt.Errorf("criterion %q: value is required", c.Name)
	}
	return &containsEvaluator{
		base:          base(c),
		needle:        cfg.Value,
		caseSensitive: cfg.CaseSensitive == nil || *cfg.CaseSensitive,
		negate:        c.Type == "not_contains",
	}, nil
}

func (e *containsEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	haystack, needle := in.Output, e.needle
	if !e.caseSensitive {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}
	found := strings.Contains(haystack, needle)
	passed := found != e.negate
	msg := ""
	if !passed {
		if e.negate {
			msg = fmt.Sprintf("output contains forbidden substring %q", e.needle)
		} else {
			msg = fmt.Sprintf("output does not contain %q", e.needle)
		}
	}
	return e.base.result(passed, boolScore(passed), msg, start)
}

// ============================================================================
// JSON SCHEMA / JSON PATH
// ============================================================================

type jsonSchemaEvaluator struct {
	base       baseResult
	rootType   string
	required   []string
	properties map[string]string
}

func buildJSONSchema(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Schema struct {
			Type       string   `json:"type"`
			Required   []string `json:"required"`
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"schema"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return nil, fmt.Errorf("criterion %q: invalid schema config", c.Name)
	}
	props := make(map[string]string, len(cfg.Schema.Properties))
	for name, p := range cfg.Schema.Properties {
		props[name] = p.Type
	}
	return &jsonSchemaEvaluator{
		base:       base(c),
		rootType:   cfg.Schema.Type,
		required:   cfg.Schema.Required,
		properties: props,
	}, nil
}

func jsonTypeOf(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func (e *jsonSchemaEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	var parsed interface{}
	if err := json.Unmarshal([]byte(in.Output), &parsed); err != nil {
		return e.base.result(false, 0, "output is not valid JSON", start)
	}

	if e.rootType != "" && jsonTypeOf(parsed) != e.rootType {
		return e.base.result(false, 0,
			fmt.Sprintf("expected root type %s, got %s", e.rootType, jsonTypeOf(parsed)), start)
	}

	obj, _ := parsed.(map[string]interface{})
	for _, field := range e.required {
		if _, ok := obj[field]; !ok {
			return e.base.result(false, 0, fmt.Sprintf("missing required field %q", field), start)
		}
	}
	for field, wantType := range e.properties {
		v, ok := obj[field]
		if !ok {
			continue
		}
		if got := jsonTypeOf(v); got != wantType {
			return e.base.result(false, 0,
				fmt.Sprintf("field %q has type %s, want %s", field, got, wantType), start)
		}
	}
	return e.base.result(true, 1, "", start)
}

type jsonPathEvaluator struct {
	base       baseResult
	path       []pathSegment
	rawPath    string
	expect     interface{}
	existsOnly bool
}

type pathSegment struct {
	key   string
	index int // -1 for object keys
}

// parseJSONPath handles the $.a.b[0].c subset.
func parseJSONPath(path string) ([]pathSegment, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("path must start with $")
	}
	rest := strings.TrimPrefix(path, "$")
	var segments []pathSegment
	for _, part := range strings.Split(rest, ".") {
		if part == "" {
			continue
		}
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				segments = append(segments, pathSegment{key: part, index: -1})
				break
			}
			if open > 0 {
				segments = append(segments, pathSegment{key: part[:open], index: -1})
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("unbalanced brackets in %q", part)
			}
			idx, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("bad array index in %q", part)
			}
			segments = append(segments, pathSegment{index: idx})
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	return segments, nil
}

func buildJSONPath(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil || cfg.Path == "" {
		return nil, fmt.Errorf("criterion %q: path is required", c.Name)
	}
	segments, err := parseJSONPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("criterion %q: %w", c.Name, err)
	}
	ev := &jsonPathEvaluator{
		base:       base(c),
		path:       segments,
		rawPath:    cfg.Path,
		existsOnly: c.Type == "json_path_exists",
	}
	if !ev.existsOnly {
		if len(cfg.Value) == 0 {
			return nil, fmt.Errorf("criterion %q: value is required for json_path_equals", c.Name)
		}
		if err := json.Unmarshal(cfg.Value, &ev.expect); err != nil {
			return nil, fmt.Errorf("criterion %q: invalid expected value", c.Name)
		}
	}
	return ev, nil
}

// resolve walks the parsed JSON; a missing step returns (nil, false).
func resolvePath(root interface{}, segments []pathSegment) (interface{}, bool) {
	current := root
	for _, seg := range segments {
		if seg.index >= 0 {
			arr, ok := current.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			current = arr[seg.index]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (e *jsonPathEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	var parsed interface{}
	if err := json.Unmarshal([]byte(in.Output), &parsed); err != nil {
		return e.base.result(false, 0, "output is not valid JSON", start)
	}

	value, found := resolvePath(parsed, e.path)
	if !found {
		return e.base.result(false, 0, fmt.Sprintf("path %s not found", e.rawPath), start)
	}
	if e.existsOnly {
		return e.base.result(true, 1, "", start)
	}

	want, _ := json.Marshal(e.expect)
	got, _ := json.Marshal(value)
	if string(want) != string(got) {
		return e.base.result(false, 0,
			fmt.Sprintf("path %s is %s, want %s", e.rawPath, got, want), start)
	}
	return e.base.result(true, 1, "", start)
}

// ============================================================================
// LENGTH / LATENCY / COST
// ============================================================================

type lengthEvaluator struct {
	base  baseResult
	limit int
	isMin bool
}

func buildLength(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil || cfg.Value <= 0 {
		return nil, fmt.Errorf("criterion %q: positive value is required", c.Name)
	}
	return &lengthEvaluator{base: base(c), limit: cfg.Value, isMin: c.Type == "length_min"}, nil
}

func (e *lengthEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	n := len(in.Output)
	if e.isMin {
		if n >= e.limit {
			return e.base.result(true, 1, "", start)
		}
		// Partial credit for how close the output got.
		score := float64(n) / float64(e.limit)
		return e.base.result(false, score,
			fmt.Sprintf("output length %d below minimum %d", n, e.limit), start)
	}
	if n <= e.limit {
		return e.base.result(true, 1, "", start)
	}
	score := 1 - float64(n-e.limit)/float64(e.limit)
	if score < 0 {
		score = 0
	}
	return e.base.result(false, score,
		fmt.Sprintf("output length %d above maximum %d", n, e.limit), start)
}

type thresholdEvaluator struct {
	base    baseResult
	max     float64
	extract func(*Input) float64
	unit    string
}

func buildThreshold(c *Criterion, field string, extract func(*Input) float64) (Evaluator, error) {
	var cfg map[string]float64
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return nil, fmt.Errorf("criterion %q: invalid config", c.Name)
	}
	max, ok := cfg[field]
	if !ok || max <= 0 {
		return nil, fmt.Errorf("criterion %q: positive %s is required", c.Name, field)
	}
	return &thresholdEvaluator{base: base(c), max: max, extract: extract, unit: field}, nil
}

func (e *thresholdEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	v := e.extract(in)
	if v <= e.max {
		return e.base.result(true, 1, "", start)
	}
	score := 1 - (v-e.max)/e.max
	if score < 0 {
		score = 0
	}
	return e.base.result(false, score,
		fmt.Sprintf("%.4g exceeds %s %.4g", v, e.unit, e.max), start)
}

func boolScore(passed bool) float64 {
	if passed {
		return 1
	}
	return 0
}
