package xray

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// StepHandle is the recording scope of one step. Setters may be called any
// number of times before End.
type StepHandle struct {
	trace *TraceHandle
	began time.Time

	mu    sync.Mutex
	step  Step
	ended bool
}

// ID returns the step id.
func (s *StepHandle) ID() string {
	return s.step.StepID
}

// Order returns the step's position within its trace.
func (s *StepHandle) Order() int {
	return s.step.Order
}

// SetInput replaces the step input.
func (s *StepHandle) SetInput(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc == nil {
		doc = Document{}
	}
	s.step.Input = doc
}

// SetOutput replaces the step output.
func (s *StepHandle) SetOutput(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Output = doc
}

// SetReasoning records the free-text explanation of the step's decision.
func (s *StepHandle) SetReasoning(reasoning string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Reasoning = &reasoning
}

// SetMetadata merges keys into the step metadata. Only the top level is
// merged; nested documents are replaced.
func (s *StepHandle) SetMetadata(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range doc {
		s.step.Metadata[k] = v
	}
}

// AddEvaluation appends a per-item filter record to metadata["evaluations"].
// An empty reasoning is left out of the record.
func (s *StepHandle) AddEvaluation(itemID string, itemData Document, filters []FilterResult, qualified bool, reasoning string) {
	fs := make([]any, 0, len(filters))
	for _, f := range filters {
		entry := map[string]any{"name": f.Name, "passed": f.Passed}
		if f.Detail != "" {
			entry["detail"] = f.Detail
		}
		fs = append(fs, entry)
	}
	if itemData == nil {
		itemData = Document{}
	}
	record := map[string]any{
		"item_id":   itemID,
		"item_data": map[string]any(itemData),
		"filters":   fs,
		"qualified": qualified,
	}
	if reasoning != "" {
		record["reasoning"] = reasoning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	evals := entries(s.step.Metadata[MetaEvaluations])
	s.step.Metadata[MetaEvaluations] = append(evals, record)
}

// entries returns the elements of a metadata list of any slice type. A
// non-list value becomes the single first entry so nothing is dropped.
func entries(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []byte:
		return []any{x}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, 0, rv.Len()+1)
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}

// LLMOption adds a field to the record written by AddLLMMetadata.
type LLMOption func(map[string]any)

// TokensUsed records the token count of the model call.
func TokensUsed(n int) LLMOption {
	return func(m map[string]any) { m["tokens_used"] = n }
}

// Temperature records the sampling temperature of the model call.
func Temperature(t float64) LLMOption {
	return func(m map[string]any) { m["temperature"] = t }
}

// LLMExtra records an arbitrary extra field.
func LLMExtra(key string, value any) LLMOption {
	return func(m map[string]any) { m[key] = value }
}

// AddLLMMetadata sets metadata["llm"], replacing any previous record.
// Unset tokens_used and temperature are recorded as null.
func (s *StepHandle) AddLLMMetadata(model string, opts ...LLMOption) {
	record := map[string]any{
		"model":       model,
		"tokens_used": nil,
		"temperature": nil,
	}
	for _, opt := range opts {
		opt(record)
	}
	record["model"] = model

	s.mu.Lock()
	defer s.mu.Unlock()
	s.step.Metadata[MetaLLM] = record
}

// End finalizes and persists the step. A non-nil err marks it failed and
// fails the owning trace when that trace ends. The step is saved even when ctx
// is already cancelled.
func (s *StepHandle) End(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	now := s.trace.rec.now()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrAlreadyEnded
	}
	s.ended = true
	end, ms := finish(now, s.began, s.step.StartTime)
	s.step.EndTime = &end
	s.step.DurationMS = &ms
	if err != nil {
		msg := err.Error()
		s.step.Status = StatusFailed
		s.step.Error = &msg
	} else {
		s.step.Status = StatusCompleted
	}
	snap, cloneErr := s.step.Clone()
	s.mu.Unlock()

	if err != nil {
		s.trace.markStepFailed()
	}
	if cloneErr != nil {
		return fmt.Errorf("step %s: %w", s.step.StepID, cloneErr)
	}
	if saveErr := s.trace.rec.storage.SaveStep(ctx, snap); saveErr != nil {
		return fmt.Errorf("save step %s: %w", snap.StepID, saveErr)
	}
	s.trace.rec.logger.Debug("step ended",
		"trace_id", snap.TraceID,
		"step_id", snap.StepID,
		"step_name", snap.Name,
		"step_order", snap.Order,
		"status", string(snap.Status),
		"duration_ms", ms,
	)
	s.trace.rec.stepEnded(ctx, snap)
	return nil
}

// Snapshot returns a copy of the step as currently recorded.
func (s *StepHandle) Snapshot() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.step.Clone()
	if err != nil {
		out = s.step
	}
	return out
}

func (s *StepHandle) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}
