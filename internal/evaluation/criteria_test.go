package evaluation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, ctype, name, config string) Evaluator {
	t.Helper()
	ev, err := BuildEvaluator(&Criterion{Type: ctype, Name: name, Config: json.RawMessage(config)})
	require.NoError(t, err)
	return ev
}

func outputInput(output string) *Input {
	return &Input{RequestID: "req-1", Model: "gpt-4o", Output: output}
}

func TestContainsCriterion(t *testing.T) {
	ev := mustBuild(t, "contains", "has-paris", `{"value":"Paris"}`)

	r := ev.Evaluate(outputInput("The capital of France is Paris."))
	assert.True(t, r.Passed)
	assert.Equal(t, 1.0, r.Score)

	r = ev.Evaluate(outputInput("The capital of France is Lyon."))
	assert.False(t, r.Passed)
	assert.Equal(t, 0.0, r.Score)

	// Case-insensitive variant.
	ci := mustBuild(t, "contains", "ci", `{"value":"paris","caseSensitive":false}`)
	assert.True(t, ci.Evaluate(outputInput("PARIS")).Passed)
}

func TestNotContainsCriterion(t *testing.T) {
	ev := mustBuild(t, "not_contains", "no-sorry", `{"value":"sorry"}`)
	assert.True(t, ev.Evaluate(outputInput("Here is the answer.")).Passed)
	assert.False(t, ev.Evaluate(outputInput("I am sorry, I cannot.")).Passed)
}

func TestRegexCriterion(t *testing.T) {
	ev := mustBuild(t, "regex_match", "has-number", `{"pattern":"\\d+"}`)
	assert.True(t, ev.Evaluate(outputInput("answer is 42")).Passed)
	assert.False(t, ev.Evaluate(outputInput("no digits here")).Passed)

	flagged := mustBuild(t, "regex_match", "ci", `{"pattern":"hello","flags":"i"}`)
	assert.True(t, flagged.Evaluate(outputInput("HELLO")).Passed)

	_, err := BuildEvaluator(&Criterion{Type: "regex_match", Name: "bad",
		Config: json.RawMessage(`{"pattern":"x","flags":"z"}`)})
	assert.Error(t, err)

	_, err = BuildEvaluator(&Criterion{Type: "regex_match", Name: "broken",
		Config: json.RawMessage(`{"pattern":"["}`)})
	assert.Error(t, err)
}

func TestJSONSchemaCriterion(t *testing.T) {
	ev := mustBuild(t, "json_schema", "shape",
		`{"schema":{"type":"object","required":["name"],"properties":{"name":{"type":"string"},"age":{"type":"number"}}}}`)

	assert.True(t, ev.Evaluate(outputInput(`{"name":"Ada","age":36}`)).Passed)
	assert.False(t, ev.Evaluate(outputInput(`{"age":36}`)).Passed)
	assert.False(t, ev.Evaluate(outputInput(`{"name":"Ada","age":"36"}`)).Passed)
	assert.False(t, ev.Evaluate(outputInput(`not json`)).Passed)
}

func TestJSONPathCriterion(t *testing.T) {
	exists := mustBuild(t, "json_path_exists", "has-first", `{"path":"$.items[0].id"}`)
	assert.True(t, exists.Evaluate(outputInput(`{"items":[{"id":7}]}`)).Passed)
	assert.False(t, exists.Evaluate(outputInput(`{"items":[]}`)).Passed)

	equals := mustBuild(t, "json_path_equals", "status-ok", `{"path":"$.status","value":"ok"}`)
	assert.True(t, equals.Evaluate(outputInput(`{"status":"ok"}`)).Passed)
	assert.False(t, equals.Evaluate(outputInput(`{"status":"error"}`)).Passed)
}

func TestLengthPartialCredit(t *testing.T) {
	min := mustBuild(t, "length_min", "min", `{"value":10}`)
	r := min.Evaluate(outputInput("12345"))
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.5, r.Score, 1e-9)
	assert.True(t, min.Evaluate(outputInput("1234567890")).Passed)

	max := mustBuild(t, "length_max", "max", `{"value":4}`)
	r = max.Evaluate(outputInput("123456"))
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.5, r.Score, 1e-9)
}

func TestLatencyAndCostThresholds(t *testing.T) {
	lat := mustBuild(t, "latency_max", "fast", `{"maxMs":1000}`)
	assert.True(t, lat.Evaluate(&Input{LatencyMs: 900}).Passed)
	r := lat.Evaluate(&Input{LatencyMs: 1500})
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.5, r.Score, 1e-9)

	cost := mustBuild(t, "cost_max", "cheap", `{"maxUsd":0.01}`)
	assert.True(t, cost.Evaluate(&Input{CostUSD: 0.005}).Passed)
	assert.False(t, cost.Evaluate(&Input{CostUSD: 0.02}).Passed)
}

func TestPIIDetection(t *testing.T) {
	ev := mustBuild(t, "pii_detection", "pii", `{}`)

	r := ev.Evaluate(outputInput("Contact me at john@example.com"))
	assert.False(t, r.Passed)
	require.NotNil(t, r.Details)
	assert.Contains(t, r.Details["piiTypes"], "email")

	r = ev.Evaluate(outputInput("My SSN is 123-45-6789"))
	assert.False(t, r.Passed)
	assert.Contains(t, r.Details["piiTypes"], "ssn")

	assert.True(t, ev.Evaluate(outputInput("Nothing personal here.")).Passed)
}

func TestToxicityCriterion(t *testing.T) {
	ev := mustBuild(t, "toxicity", "tox", `{}`)
	assert.False(t, ev.Evaluate(outputInput("you are an idiot")).Passed)
	assert.True(t, ev.Evaluate(outputInput("have a nice day")).Passed)
}

func TestSentimentCriterion(t *testing.T) {
	ev := mustBuild(t, "sentiment", "positive", `{"expected":"positive"}`)

	r := ev.Evaluate(outputInput("This is great, excellent work, I love it"))
	assert.True(t, r.Passed)
	assert.Equal(t, "positive", r.Details["label"])

	r = ev.Evaluate(outputInput("This is terrible and awful"))
	assert.False(t, r.Passed)
	assert.Equal(t, "negative", r.Details["label"])
}

func TestCompositeWeighted(t *testing.T) {
	ev := mustBuild(t, "composite", "combo", `{
		"mode": "weighted",
		"minScore": 0.6,
		"criteria": [
			{"type":"contains","name":"a","weight":3,"config":{"value":"Paris"}},
			{"type":"contains","name":"b","weight":1,"config":{"value":"Berlin"}}
		]
	}`)

	// a passes (score 1), b fails (score 0): (3*1 + 1*0) / 4 = 0.75
	r := ev.Evaluate(outputInput("Paris"))
	assert.True(t, r.Passed)
	assert.InDelta(t, 0.75, r.Score, 1e-9)

	r = ev.Evaluate(outputInput("Berlin"))
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.25, r.Score, 1e-9)
}

func TestCompositeAllAndAny(t *testing.T) {
	all := mustBuild(t, "composite", "all", `{
		"mode": "all",
		"criteria": [
			{"type":"contains","name":"a","config":{"value":"x"}},
			{"type":"contains","name":"b","config":{"value":"y"}}
		]
	}`)
	assert.True(t, all.Evaluate(outputInput("x and y")).Passed)
	r := all.Evaluate(outputInput("only x"))
	assert.False(t, r.Passed)
	assert.InDelta(t, 0.5, r.Score, 1e-9)

	any := mustBuild(t, "composite", "any", `{
		"mode": "any",
		"criteria": [
			{"type":"contains","name":"a","config":{"value":"x"}},
			{"type":"contains","name":"b","config":{"value":"y"}}
		]
	}`)
	assert.True(t, any.Evaluate(outputInput("only x")).Passed)
	assert.False(t, any.Evaluate(outputInput("neither")).Passed)
}

func TestReservedCriterionTypes(t *testing.T) {
	for _, ctype := range []string{"llm_judge", "custom_function"} {
		_, err := BuildEvaluator(&Criterion{Type: ctype, Name: "x", Config: json.RawMessage(`{}`)})
		require.Error(t, err)
		var notImpl *ErrNotImplemented
		assert.ErrorAs(t, err, &notImpl)
	}
}
