// Package demo records a scripted competitor-selection pipeline so a fresh
// install has a realistic trace to look at.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/decisiontrace/pkg/xray"
)

// TraceName is the name every demo run is recorded under.
const TraceName = "competitor_selection"

// SearchLimit caps how many candidates the search step fetches.
const SearchLimit = 50

// ErrRankingUnavailable is returned by the ranking step when Options.Fail is set.
var ErrRankingUnavailable = errors.New("ranking service unavailable")

type Options struct {
	// Fail makes the ranking step fail so the failed path can be inspected.
	Fail   bool
	Logger *slog.Logger
}

// Result summarises one pipeline run.
type Result struct {
	TraceID  string
	Selected *Ranked
}

// Run records the pipeline through rec. The trace id is returned even when
// the pipeline fails.
func Run(ctx context.Context, rec *xray.Recorder, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	md := xray.Document{
		"reference_asin": Reference.ASIN,
		"pipeline":       "demo",
	}
	err := rec.Run(ctx, TraceName, md, func(ctx context.Context, tr *xray.TraceHandle) error {
		res.TraceID = tr.ID()
		logger.Info("demo pipeline started", "trace_id", tr.ID())

		var keywords []string
		if err := tr.Step(ctx, "keyword_generation", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"product_title": Reference.Title, "category": Reference.Category})
			keywords = Keywords(Reference.Title)
			s.SetOutput(xray.Document{"keywords": keywords, "count": len(keywords)})
			s.SetReasoning(keywordReasoning(Reference.Title, keywords))
			s.AddLLMMetadata("mock-gpt-4", xray.TokensUsed(45), xray.Temperature(0.7))
			return nil
		}); err != nil {
			return err
		}

		var candidates []Product
		if err := tr.Step(ctx, "candidate_search", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"keyword": keywords[0], "limit": SearchLimit})
			found := Search(keywords[0], Catalog, SearchLimit)
			candidates = found.Candidates
			sample := make([]any, 0, 5)
			for _, c := range candidates[:min(5, len(candidates))] {
				sample = append(sample, productDoc(c))
			}
			s.SetOutput(xray.Document{
				"total_results":      found.TotalResults,
				"candidates_fetched": len(candidates),
				"candidates_sample":  sample,
			})
			s.SetReasoning(fmt.Sprintf("Fetched top %d results by relevance; %d total matches found", len(candidates), found.TotalResults))
			return nil
		}); err != nil {
			return err
		}

		var qualified []Product
		if err := tr.Step(ctx, "apply_filters", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"candidates_count": len(candidates), "reference_product": productDoc(Reference)})
			evals := Evaluate(candidates, Reference)
			for _, e := range evals {
				filters := make([]xray.FilterResult, 0, len(e.Checks))
				for _, c := range e.Checks {
					filters = append(filters, xray.FilterResult{Name: c.Name, Passed: c.Passed, Detail: c.Detail})
				}
				s.AddEvaluation(e.Product.ASIN, productDoc(e.Product), filters, e.Qualified, e.Reasoning)
				if e.Qualified {
					qualified = append(qualified, e.Product)
				}
			}
			s.SetMetadata(xray.Document{"filters_applied": map[string]any{
				"price_range": map[string]any{
					"min":  Reference.Price * PriceLowMult,
					"max":  Reference.Price * PriceHighMult,
					"rule": "0.5x - 2x of reference price",
				},
				"min_rating":  map[string]any{"value": MinRating, "rule": "Must be at least 3.8 stars"},
				"min_reviews": map[string]any{"value": MinReviews, "rule": "Must have at least 100 reviews"},
			}})
			s.SetOutput(xray.Document{
				"total_evaluated": len(evals),
				"passed":          len(qualified),
				"failed":          len(evals) - len(qualified),
			})
			s.SetReasoning(fmt.Sprintf("Applied price, rating, and review count filters to narrow candidates from %d to %d", len(evals), len(qualified)))
			return nil
		}); err != nil {
			return err
		}

		return tr.Step(ctx, "rank_and_select", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"candidates_count": len(qualified), "reference_product": productDoc(Reference)})
			if opts.Fail {
				return ErrRankingUnavailable
			}
			ranked := Rank(qualified, Reference)
			list := make([]any, 0, len(ranked))
			for _, r := range ranked {
				list = append(list, map[string]any{
					"rank":  r.Rank,
					"asin":  r.Product.ASIN,
					"title": r.Product.Title,
					"metrics": map[string]any{
						"price":   r.Product.Price,
						"rating":  r.Product.Rating,
						"reviews": r.Product.Reviews,
					},
					"score_breakdown": map[string]any{
						"review_count_score":    r.Scores.ReviewCount,
						"rating_score":          r.Scores.Rating,
						"price_proximity_score": r.Scores.PriceProximity,
						"total_score":           r.Scores.Total,
					},
				})
			}
			s.SetMetadata(xray.Document{
				"ranking_criteria": map[string]any{
					"primary":   "review_count",
					"secondary": "rating",
					"tertiary":  "price_proximity",
				},
				xray.MetaCandidates: list,
			})
			if len(ranked) == 0 {
				s.SetOutput(xray.Document{"selected_competitor": nil})
				s.SetReasoning("No qualified candidates")
				return nil
			}
			top := ranked[0]
			res.Selected = &top
			reason := fmt.Sprintf("Highest overall score (%g) - top review count (%d) with strong rating (%g★)",
				top.Scores.Total, top.Product.Reviews, top.Product.Rating)
			sel := productDoc(top.Product)
			sel["reason"] = reason
			s.SetOutput(xray.Document{"selected_competitor": sel})
			s.SetReasoning(reason)
			return nil
		})
	})
	if err != nil {
		logger.Warn("demo pipeline failed", "trace_id", res.TraceID, "error", err)
		return res, fmt.Errorf("competitor selection: %w", err)
	}
	logger.Info("demo pipeline completed", "trace_id", res.TraceID)
	return res, nil
}

func productDoc(p Product) map[string]any {
	return map[string]any{
		"asin":    p.ASIN,
		"title":   p.Title,
		"price":   p.Price,
		"rating":  p.Rating,
		"reviews": p.Reviews,
	}
}

func keywordReasoning(title string, keywords []string) string {
	lower := strings.ToLower(title)
	var attrs []string
	if strings.Contains(lower, "stainless steel") {
		attrs = append(attrs, "material (stainless steel)")
	}
	if c := capacityRe.FindString(lower); c != "" {
		attrs = append(attrs, "capacity ("+c+")")
	}
	if strings.Contains(lower, "insulated") {
		attrs = append(attrs, "feature (insulated)")
	}
	if len(attrs) == 0 {
		return fmt.Sprintf("Generated %d search keywords from product title. Primary keyword: '%s'", len(keywords), keywords[0])
	}
	return fmt.Sprintf("Generated %d search keywords by extracting key attributes: %s. Primary keyword: '%s'",
		len(keywords), strings.Join(attrs, ", "), keywords[0])
}
