package view

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/decisiontrace/pkg/xray"
)

// stored decodes raw the way every storage backend does.
func stored(t *testing.T, raw string) map[string]any {
	t.Helper()
	doc, err := xray.DecodeDocument(raw)
	require.NoError(t, err)
	return doc
}

func TestDetect_EvaluationTable(t *testing.T) {
	md := stored(t, `{
		"evaluations": [
			{"item_id":"B01","item_data":{"price":12.5},"qualified":true,
			 "filters":[{"name":"price","passed":true,"detail":"within range"},{"name":"rating","passed":true}]},
			{"item_id":"B02","qualified":false,"reasoning":"too few reviews",
			 "filters":[{"name":"price","passed":true},{"name":"reviews","passed":false,"detail":"12 < 100"}]}
		],
		"threshold": 100
	}`)

	p := Detect(md)
	require.Equal(t, KindEvaluationTable, p.Kind)
	require.NotNil(t, p.Evaluations)
	tbl := p.Evaluations
	require.Len(t, tbl.Rows, 2)
	require.Equal(t, 1, tbl.Passed)
	require.Equal(t, 1, tbl.Failed)
	require.Equal(t, []string{"price", "rating", "reviews"}, tbl.FilterNames)
	require.Equal(t, `{"price":12.5}`, tbl.Rows[0].ItemData)
	require.Equal(t, "too few reviews", tbl.Rows[1].Reasoning)

	cell, ok := tbl.Rows[1].Filter("reviews")
	require.True(t, ok)
	require.False(t, cell.Passed)
	require.Equal(t, "12 < 100", cell.Detail)
	_, ok = tbl.Rows[0].Filter("reviews")
	require.False(t, ok)

	require.Contains(t, p.Extra, `"threshold": 100`)
	require.NotContains(t, p.Extra, "evaluations")
}

func TestDetect_RecorderOutput(t *testing.T) {
	// Metadata straight from a live step handle, before any storage round trip.
	rec := xray.New(xray.NewMemoryStorage())
	tr, err := rec.BeginTrace(t.Context(), "t", nil)
	require.NoError(t, err)
	s := tr.BeginStep("filter")
	s.AddEvaluation("X123", xray.Document{"price": 10}, []xray.FilterResult{{Name: "price", Passed: true, Detail: "ok"}}, true, "")
	p := Detect(s.Snapshot().Metadata)
	require.Equal(t, KindEvaluationTable, p.Kind)
	require.Len(t, p.Evaluations.Rows, 1)
	require.Equal(t, "X123", p.Evaluations.Rows[0].ItemID)
	require.Empty(t, p.Extra)
}

func TestDetect_LLMCard(t *testing.T) {
	md := stored(t, `{"llm":{"model":"gpt-4o-mini","tokens_used":150,"temperature":null,"prompt_version":"v2"}}`)
	p := Detect(md)
	require.Equal(t, KindLLMCard, p.Kind)
	require.Equal(t, "gpt-4o-mini", p.LLM.Model)
	require.Equal(t, "150", p.LLM.TokensUsed)
	require.Equal(t, "-", p.LLM.Temperature)
	require.Equal(t, []Field{{Key: "prompt_version", Value: "v2"}}, p.LLM.Extra)
	require.Empty(t, p.Extra)
}

func TestDetect_RankedList(t *testing.T) {
	md := stored(t, `{"ranked_candidates":[
		{"rank":1,"asin":"B09","title":"Slim Case","score_breakdown":{"rating_score":0.9,"total_score":0.87}},
		{"asin":"B07","score":0.5}
	]}`)
	p := Detect(md)
	require.Equal(t, KindRankedList, p.Kind)
	require.Len(t, p.Ranked.Items, 2)

	first := p.Ranked.Items[0]
	require.Equal(t, 1, first.Rank)
	require.Equal(t, "Slim Case (B09)", first.Label)
	require.Equal(t, "0.87", first.Total)
	require.Equal(t, []Field{{Key: "rating_score", Value: "0.9"}}, first.Breakdown)

	second := p.Ranked.Items[1]
	require.Equal(t, 2, second.Rank)
	require.Equal(t, "B07", second.Label)
	require.Equal(t, "0.5", second.Total)
}

func TestDetect_OrderWins(t *testing.T) {
	md := stored(t, `{"llm":{"model":"m"},"evaluations":[]}`)
	p := Detect(md)
	require.Equal(t, KindEvaluationTable, p.Kind)
	require.Contains(t, p.Extra, `"llm"`)
}

func TestDetect_WrongTypeFallsThrough(t *testing.T) {
	// "llm" as a string is not an LLM card; nothing else matches.
	md := stored(t, `{"llm":"gpt-4","evaluations":{"not":"a list"}}`)
	p := Detect(md)
	require.Equal(t, KindRawJSON, p.Kind)

	var back map[string]any
	require.NoError(t, json.Unmarshal([]byte(p.Raw), &back))
	require.Equal(t, "gpt-4", back["llm"])
}

func TestDetect_EmptyAndNil(t *testing.T) {
	for _, md := range []map[string]any{nil, {}} {
		p := Detect(md)
		require.Equal(t, KindRawJSON, p.Kind)
		require.Equal(t, "{}", p.Raw)
	}
}

func TestDetectWith_CustomRule(t *testing.T) {
	shape, err := KeyOfType("histogram", "object")
	require.NoError(t, err)
	rules := append([]Rule{{
		Kind:  "histogram",
		Key:   "histogram",
		Match: shape.Matches,
		Build: func(map[string]any) Panel { return Panel{Kind: "histogram"} },
	}}, Rules...)

	p := DetectWith(rules, map[string]any{"histogram": map[string]any{"a": 1}, "llm": map[string]any{}})
	require.Equal(t, Kind("histogram"), p.Kind)
	require.True(t, strings.Contains(p.Extra, "llm"))
}

func TestCompileShape_InvalidSchema(t *testing.T) {
	_, err := CompileShape("broken", `{"type": 12}`)
	require.Error(t, err)
	_, err = CompileShape("not-json", `{`)
	require.Error(t, err)
}

func TestDisplay(t *testing.T) {
	require.Equal(t, "-", Display(nil))
	require.Equal(t, "42", Display(json.Number("42")))
	require.Equal(t, "0.7", Display(0.7))
	require.Equal(t, "true", Display(true))
	require.Equal(t, `{"a":1}`, Display(map[string]any{"a": 1}))
}
