// Package view turns step metadata into display panels. Each rule pairs a
// structural predicate with a builder; rules are tried in order and the first
// match wins. Metadata no rule recognises is shown as raw JSON.
package view

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/basket/decisiontrace/pkg/xray"
)

type Kind string

const (
	KindEvaluationTable Kind = "evaluation_table"
	KindLLMCard         Kind = "llm_card"
	KindRankedList      Kind = "ranked_list"
	KindRawJSON         Kind = "raw_json"
)

// Panel is the rendered form of one step's metadata.
type Panel struct {
	Kind        Kind
	Evaluations *EvaluationTable
	LLM         *LLMCard
	Ranked      *RankedList

	// Raw holds the whole metadata as indented JSON for KindRawJSON.
	Raw string
	// Extra holds keys the matched rule did not consume, as indented JSON.
	// Empty when nothing is left over.
	Extra string
}

// Rule is one (predicate, builder) entry. Build receives the whole metadata
// and reports which top-level key it consumed.
type Rule struct {
	Kind  Kind
	Key   string
	Match func(map[string]any) bool
	Build func(map[string]any) Panel
}

// Rules is the default detection order.
var Rules = []Rule{
	{
		Kind:  KindEvaluationTable,
		Key:   xray.MetaEvaluations,
		Match: mustKeyOfType(xray.MetaEvaluations, "array").Matches,
		Build: func(md map[string]any) Panel {
			return Panel{Kind: KindEvaluationTable, Evaluations: BuildEvaluationTable(md[xray.MetaEvaluations])}
		},
	},
	{
		Kind:  KindLLMCard,
		Key:   xray.MetaLLM,
		Match: mustKeyOfType(xray.MetaLLM, "object").Matches,
		Build: func(md map[string]any) Panel {
			return Panel{Kind: KindLLMCard, LLM: BuildLLMCard(md[xray.MetaLLM])}
		},
	},
	{
		Kind:  KindRankedList,
		Key:   xray.MetaCandidates,
		Match: mustKeyOfType(xray.MetaCandidates, "array").Matches,
		Build: func(md map[string]any) Panel {
			return Panel{Kind: KindRankedList, Ranked: BuildRankedList(md[xray.MetaCandidates])}
		},
	},
}

// Detect runs Rules over metadata.
func Detect(metadata map[string]any) Panel {
	return DetectWith(Rules, metadata)
}

// DetectWith evaluates rules top to bottom and falls back to raw JSON.
func DetectWith(rules []Rule, metadata map[string]any) Panel {
	for _, r := range rules {
		if !r.Match(metadata) {
			continue
		}
		p := r.Build(metadata)
		rest := make(map[string]any, len(metadata))
		for k, v := range metadata {
			if k != r.Key {
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			p.Extra = PrettyJSON(rest)
		}
		return p
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Panel{Kind: KindRawJSON, Raw: PrettyJSON(metadata)}
}

// PrettyJSON renders v as indented JSON, or a placeholder if it cannot be
// encoded.
func PrettyJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unencodable: %v>", err)
	}
	return string(b)
}

// Field is a label/value pair shown in cards and breakdowns.
type Field struct {
	Key   string
	Value string
}

type FilterCell struct {
	Name   string
	Passed bool
	Detail string
}

type EvaluationRow struct {
	ItemID    string
	ItemData  string
	Filters   []FilterCell
	Qualified bool
	Reasoning string
}

// EvaluationTable lists every evaluated item with its per-filter outcome.
type EvaluationTable struct {
	Rows []EvaluationRow
	// FilterNames is the union of filter names, in first-seen order.
	FilterNames []string
	Passed      int
	Failed      int
}

// Filter returns the row's result for the named filter.
func (r EvaluationRow) Filter(name string) (FilterCell, bool) {
	for _, f := range r.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return FilterCell{}, false
}

func BuildEvaluationTable(raw any) *EvaluationTable {
	t := &EvaluationTable{}
	seen := map[string]bool{}
	for _, item := range asSlice(raw) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := EvaluationRow{
			ItemID:    Display(m["item_id"]),
			Qualified: asBool(m["qualified"]),
			Reasoning: asString(m["reasoning"]),
		}
		if data, ok := m["item_data"]; ok {
			row.ItemData = compactJSON(data)
		}
		for _, f := range asSlice(m["filters"]) {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			cell := FilterCell{
				Name:   asString(fm["name"]),
				Passed: asBool(fm["passed"]),
				Detail: asString(fm["detail"]),
			}
			if !seen[cell.Name] {
				seen[cell.Name] = true
				t.FilterNames = append(t.FilterNames, cell.Name)
			}
			row.Filters = append(row.Filters, cell)
		}
		if row.Qualified {
			t.Passed++
		} else {
			t.Failed++
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// LLMCard summarises an llm metadata block.
type LLMCard struct {
	Model       string
	TokensUsed  string
	Temperature string
	Extra       []Field
}

func BuildLLMCard(raw any) *LLMCard {
	m, _ := raw.(map[string]any)
	card := &LLMCard{
		Model:       Display(m["model"]),
		TokensUsed:  Display(m["tokens_used"]),
		Temperature: Display(m["temperature"]),
	}
	for _, k := range sortedKeys(m) {
		switch k {
		case "model", "tokens_used", "temperature":
			continue
		}
		card.Extra = append(card.Extra, Field{Key: k, Value: Display(m[k])})
	}
	return card
}

type RankedItem struct {
	Rank      int
	Label     string
	Total     string
	Breakdown []Field
}

type RankedList struct {
	Items []RankedItem
}

// BuildRankedList reads candidates in stored order. A missing rank is
// filled from the position.
func BuildRankedList(raw any) *RankedList {
	l := &RankedList{}
	for i, item := range asSlice(raw) {
		m, ok := item.(map[string]any)
		if !ok {
			l.Items = append(l.Items, RankedItem{Rank: i + 1, Label: Display(item)})
			continue
		}
		ri := RankedItem{Rank: i + 1, Label: candidateLabel(m)}
		if n, ok := asInt(m["rank"]); ok {
			ri.Rank = n
		}
		breakdown, _ := m["score_breakdown"].(map[string]any)
		for _, k := range sortedKeys(breakdown) {
			if k == "total_score" {
				ri.Total = Display(breakdown[k])
				continue
			}
			ri.Breakdown = append(ri.Breakdown, Field{Key: k, Value: Display(breakdown[k])})
		}
		if ri.Total == "" {
			if v, ok := m["score"]; ok {
				ri.Total = Display(v)
			}
		}
		l.Items = append(l.Items, ri)
	}
	return l
}

func candidateLabel(m map[string]any) string {
	for _, k := range []string{"title", "label", "name", "asin", "id"} {
		if s := asString(m[k]); s != "" {
			if k == "title" {
				if id := asString(m["asin"]); id != "" {
					return s + " (" + id + ")"
				}
			}
			return s
		}
	}
	return compactJSON(m)
}

// Display renders a scalar for a table cell; nil becomes "-".
func Display(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		return compactJSON(x)
	default:
		return fmt.Sprint(x)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func asSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	}
	return nil
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return Display(x)
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
