package evaluation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ============================================================================
// SENTIMENT / TOXICITY / PII
// ============================================================================

// Keyword lists are deliberately small; they catch the obvious cases and
// the criterion contract leaves room for a real classifier later.
var (
	positiveWords = []string{
		"good", "great", "excellent", "happy", "wonderful", "fantastic",
		"love", "amazing", "perfect", "thanks", "thank you", "glad", "helpful",
	}
	negativeWords = []string{
		"bad", "terrible", "awful", "hate", "horrible", "angry", "sad",
		"disappointing", "worst", "useless", "broken", "wrong", "sorry",
	}
	toxicWords = []string{
		"idiot", "stupid", "moron", "dumb", "shut up", "hate you",
		"kill yourself", "worthless", "pathetic", "loser",
	}
)

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?\d{1,2}[\s.\-]?)?(\(?\d{3}\)?[\s.\-]?)\d{3}[\s.\-]?\d{4}\b`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
}

type sentimentEvaluator struct {
	base   baseResult
	expect string // "", "positive", "negative", "neutral"
}

func buildSentiment(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Expected string `json:"expected"`
	}
	if len(c.Config) > 0 {
		if err := json.Unmarshal(c.Config, &cfg); err != nil {
			return nil, fmt.Errorf("criterion %q: invalid config", c.Name)
		}
	}
	switch cfg.Expected {
	case "", "positive", "negative", "neutral":
	default:
		return nil, fmt.Errorf("criterion %q: expected must be positive, negative, or neutral", c.Name)
	}
	return &sentimentEvaluator{base: base(c), expect: cfg.Expected}, nil
}

func countOccurrences(text string, words []string) int {
	count := 0
	for _, w := range words {
		count += strings.Count(text, w)
	}
	return count
}

// classifySentiment is the keyword-count heuristic: label plus a
// confidence derived from how lopsided the counts are.
func classifySentiment(text string) (string, float64) {
	lower := strings.ToLower(text)
	pos := countOccurrences(lower, positiveWords)
	neg := countOccurrences(lower, negativeWords)
	total := pos + neg
	if total == 0 {
		return "neutral", 0.5
	}
	if pos > neg {
		return "positive", float64(pos) / float64(total)
	}
	if neg > pos {
		return "negative", float64(neg) / float64(total)
	}
	return "neutral", 0.5
}

func (e *sentimentEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	label, confidence := classifySentiment(in.Output)

	passed := true
	msg := ""
	if e.expect != "" && label != e.expect {
		passed = false
		msg = fmt.Sprintf("sentiment is %s, expected %s", label, e.expect)
	}
	res := e.base.result(passed, confidence, msg, start)
	res.Details = map[string]interface{}{"label": label, "confidence": confidence}
	return res
}

type toxicityEvaluator struct {
	base baseResult
}

func (e *toxicityEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	lower := strings.ToLower(in.Output)
	var matched []string
	for _, w := range toxicWords {
		if strings.Contains(lower, w) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		return e.base.result(true, 1, "", start)
	}
	res := e.base.result(false, 0, "output contains toxic language", start)
	res.Details = map[string]interface{}{"matched": matched}
	return res
}

type piiEvaluator struct {
	base baseResult
}

func (e *piiEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	var types []string
	for name, re := range piiPatterns {
		if re.MatchString(in.Output) {
			types = append(types, name)
		}
	}
	if len(types) == 0 {
		return e.base.result(true, 1, "", start)
	}
	res := e.base.result(false, 0, "output contains personally identifiable information", start)
	res.Details = map[string]interface{}{"piiTypes": types}
	return res
}

// ============================================================================
// COMPOSITE
// ============================================================================

type compositeChild struct {
	evaluator Evaluator
	weight    float64
}

type compositeEvaluator struct {
	base     baseResult
	mode     string // all, any, weighted
	minScore float64
	children []compositeChild
}

func buildComposite(c *Criterion) (Evaluator, error) {
	var cfg struct {
		Mode     string  `json:"mode"`
		MinScore float64 `json:"minScore"`
		Criteria []struct {
			Criterion
			Weight float64 `json:"weight"`
		} `json:"criteria"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return nil, fmt.Errorf("criterion %q: invalid composite config", c.Name)
	}
	switch cfg.Mode {
	case "all", "any", "weighted":
	default:
		return nil, fmt.Errorf("criterion %q: mode must be all, any, or weighted", c.Name)
	}
	if len(cfg.Criteria) == 0 {
		return nil, fmt.Errorf("criterion %q: composite needs at least one child", c.Name)
	}

	ev := &compositeEvaluator{base: base(c), mode: cfg.Mode, minScore: cfg.MinScore}
	for i := range cfg.Criteria {
		child := cfg.Criteria[i]
		built, err := BuildEvaluator(&child.Criterion)
		if err != nil {
			return nil, fmt.Errorf("criterion %q child %d: %w", c.Name, i, err)
		}
		weight := child.Weight
		if weight <= 0 {
			weight = 1
		}
		ev.children = append(ev.children, compositeChild{evaluator: built, weight: weight})
	}
	if cfg.Mode == "weighted" && cfg.MinScore <= 0 {
		ev.minScore = 0.5
	}
	return ev, nil
}

func (e *compositeEvaluator) Evaluate(in *Input) CriterionResult {
	start := time.Now()
	results := make([]CriterionResult, 0, len(e.children))
	for _, child := range e.children {
		results = append(results, child.evaluator.Evaluate(in))
	}

	var passed bool
	var score float64
	switch e.mode {
	case "all":
		passed = true
		sum := 0.0
		for _, r := range results {
			passed = passed && r.Passed
			sum += r.Score
		}
		score = sum / float64(len(results))
	case "any":
		for _, r := range results {
			if r.Passed {
				passed = true
			}
			if r.Score > score {
				score = r.Score
			}
		}
	case "weighted":
		var weighted, totalWeight float64
		for i, r := range results {
			weighted += e.children[i].weight * r.Score
			totalWeight += e.children[i].weight
		}
		score = weighted / totalWeight
		passed = score >= e.minScore
	}

	msg := ""
	if !passed {
		msg = fmt.Sprintf("composite %s failed with score %.3f", e.mode, score)
	}
	res := e.base.result(passed, score, msg, start)
	childSummaries := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		childSummaries = append(childSummaries, map[string]interface{}{
			"name": r.Name, "passed": r.Passed, "score": r.Score,
		})
	}
	res.Details = map[string]interface{}{"children": childSummaries}
	return res
}
