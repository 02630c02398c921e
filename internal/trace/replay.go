package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

// Modification records one replay: which run and step it came from, what
// changed, and the outcome once the replay run completes. Modifications
// reference runs by id only; lookups go through the store.
type Modification struct {
	ID            string                     `json:"id"`
	OriginalRunID string                     `json:"original_run_id"`
	ReplayRunID   string                     `json:"replay_run_id"`
	StepIndex     int                        `json:"step_index"`
	Changes       map[string]json.RawMessage `json:"changes"`
	Successful    *bool                      `json:"successful,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
}

// replayableFields is the subset of request fields a modification may touch.
var replayableFields = map[string]bool{
	"messages":        true,
	"tools":           true,
	"model":           true,
	"temperature":     true,
	"max_tokens":      true,
	"top_p":           true,
	"tool_choice":     true,
	"response_format": true,
}

// ReplayContext is everything needed to re-execute step k: the preceding
// steps for context and the step's request, canonicalised for dispatch.
type ReplayContext struct {
	RunID       string         `json:"run_id"`
	StepIndex   int            `json:"step_index"`
	PriorSteps  []StepSnapshot `json:"prior_steps"`
	Request     StepRequest    `json:"request"`
	ReplayRunID string         `json:"replay_run_id"`
}

// ReplayContextFor returns the replay context at step k of a run.
func (s *Store) ReplayContextFor(runID string, stepIndex int) (*ReplayContext, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if stepIndex < 0 || stepIndex >= len(run.Steps) {
		return nil, core.NewError(core.KindNotFound, "step_not_found",
			fmt.Sprintf("run %s has no step %d", runID, stepIndex))
	}

	prior := make([]StepSnapshot, stepIndex)
	copy(prior, run.Steps[:stepIndex])
	return &ReplayContext{
		RunID:       runID,
		StepIndex:   stepIndex,
		PriorSteps:  prior,
		Request:     run.Steps[stepIndex].Request,
		ReplayRunID: replayRunID(runID),
	}, nil
}

func replayRunID(original string) string {
	return fmt.Sprintf("replay_%s_%d", original, time.Now().UnixMilli())
}

// ApplyModification produces the step-k request with the changes applied,
// ready for dispatch under a fresh replay run id. Unknown change fields
// are rejected; the stored snapshot is never mutated.
func (s *Store) ApplyModification(runID string, stepIndex int, changes map[string]json.RawMessage) (*ReplayContext, *Modification, error) {
	for field := range changes {
		if !replayableFields[field] {
			return nil, nil, core.NewError(core.KindInvalidRequest, "immutable_field",
				fmt.Sprintf("field %q cannot be modified in a replay", field))
		}
	}

	ctx, err := s.ReplayContextFor(runID, stepIndex)
	if err != nil {
		return nil, nil, err
	}

	req := ctx.Request // copy; slices inside are shared but never written
	for field, raw := range changes {
		switch field {
		case "model":
			if uerr := json.Unmarshal(raw, &req.Model); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
		case "messages":
			var msgs []core.Message
			if uerr := json.Unmarshal(raw, &msgs); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
			req.Messages = msgs
		case "tools":
			var tools []json.RawMessage
			if uerr := json.Unmarshal(raw, &tools); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
			req.Tools = tools
		case "temperature":
			var v float64
			if uerr := json.Unmarshal(raw, &v); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
			req.Temperature = &v
		case "top_p":
			var v float64
			if uerr := json.Unmarshal(raw, &v); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
			req.TopP = &v
		case "max_tokens":
			var v int
			if uerr := json.Unmarshal(raw, &v); uerr != nil {
				return nil, nil, badChange(field, uerr)
			}
			req.MaxTokens = &v
		case "tool_choice":
			req.ToolChoice = raw
		case "response_format":
			req.ResponseFormat = raw
		}
	}
	ctx.Request = req

	mod := &Modification{
		ID:            fmt.Sprintf("mod_%s_%d_%d", runID, stepIndex, time.Now().UnixMilli()),
		OriginalRunID: runID,
		ReplayRunID:   ctx.ReplayRunID,
		StepIndex:     stepIndex,
		Changes:       changes,
		CreatedAt:     time.Now().UTC(),
	}
	s.PutModification(mod)
	return ctx, mod, nil
}

func badChange(field string, err error) *core.Error {
	return core.WrapError(core.KindInvalidRequest, "invalid_change",
		fmt.Sprintf("change for %q is malformed", field), err)
}

// MarkOutcome records whether a replayed modification improved on the
// original, once the comparison has run.
func (s *Store) MarkOutcome(modID string, improved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mod, ok := s.modifications[modID]; ok {
		mod.Successful = &improved
	}
}
