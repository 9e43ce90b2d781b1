package demo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/decisiontrace/pkg/xray"
)

// ContentTraceName is the trace name of the recommendation pipeline.
const ContentTraceName = "content_recommendation"

// TopN is how many titles the recommendation pipeline returns.
const TopN = 5

// ContentResult summarises one recommendation run.
type ContentResult struct {
	TraceID string
	Picks   []ScoredTitle
}

// RunContent records a content-recommendation pipeline for the sample viewer.
// Its profile step carries only custom metadata, so viewers show it as raw
// JSON. Options.Fail breaks the ranking step.
func RunContent(ctx context.Context, rec *xray.Recorder, opts Options) (ContentResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := Alex
	var res ContentResult
	md := xray.Document{
		"user_id":  v.ID,
		"pipeline": "content_recommendation",
		"top_n":    TopN,
	}
	err := rec.Run(ctx, ContentTraceName, md, func(ctx context.Context, tr *xray.TraceHandle) error {
		res.TraceID = tr.ID()
		logger.Info("content pipeline started", "trace_id", tr.ID(), "user_id", v.ID)

		var criteria Criteria
		if err := tr.Step(ctx, "user_profile_analysis", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{
				"user_id":       v.ID,
				"watch_history": len(v.History),
				"preferences":   map[string]any{"genres": v.Genres, "languages": v.Languages, "content_types": v.ContentTypes},
			})
			criteria = AnalyzeProfile(v)
			s.SetOutput(xray.Document{"criteria": criteria})
			segment := "casual_viewer"
			if criteria.Engagement == "high" {
				segment = "engaged_viewer"
			}
			s.SetMetadata(xray.Document{
				"analysis_method": "collaborative-filtering",
				"confidence":      0.85,
				"user_segment":    segment,
			})
			s.SetReasoning(fmt.Sprintf("Derived %d preferred genres from stated preferences and highly rated history; rating floor %g",
				len(criteria.Genres), criteria.MinRating))
			return nil
		}); err != nil {
			return err
		}

		if err := tr.Step(ctx, "content_retrieval", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"preferred_genres": criteria.Genres, "content_types": criteria.ContentTypes})
			s.SetOutput(xray.Document{"total_retrieved": len(Library), "source": "catalog"})
			s.SetReasoning(fmt.Sprintf("Retrieved %d titles from the catalogue", len(Library)))
			return nil
		}); err != nil {
			return err
		}

		var qualified []Title
		if err := tr.Step(ctx, "content_filtering", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"content_count": len(Library), "criteria": criteria})
			evals := FilterTitles(Library, criteria)
			for _, e := range evals {
				filters := make([]xray.FilterResult, 0, len(e.Checks))
				for _, c := range e.Checks {
					filters = append(filters, xray.FilterResult{Name: c.Name, Passed: c.Passed, Detail: c.Detail})
				}
				s.AddEvaluation(e.Title.ID, titleDoc(e.Title), filters, e.Qualified, e.Reasoning)
				if e.Qualified {
					qualified = append(qualified, e.Title)
				}
			}
			s.SetOutput(xray.Document{
				"total_evaluated": len(evals),
				"passed":          len(qualified),
				"failed":          len(evals) - len(qualified),
				"pass_rate":       round2(float64(len(qualified)) / float64(max(1, len(evals)))),
			})
			s.SetReasoning(fmt.Sprintf("Applied genre, rating, language and type filters: %d of %d titles qualified", len(qualified), len(evals)))
			return nil
		}); err != nil {
			return err
		}

		return tr.Step(ctx, "ranking_and_diversification", func(ctx context.Context, s *xray.StepHandle) error {
			s.SetInput(xray.Document{"qualified_count": len(qualified), "top_n": TopN})
			if opts.Fail {
				return ErrRankingUnavailable
			}
			r := Recommend(qualified, v, TopN)
			shortlist := r.Ranked[:min(TopN*2, len(r.Ranked))]
			list := make([]any, 0, len(shortlist))
			for _, st := range shortlist {
				list = append(list, map[string]any{
					"rank":       st.Rank,
					"content_id": st.Title.ID,
					"title":      st.Title.Name,
					"type":       st.Title.Type,
					"genre":      st.Title.Genre,
					"metrics": map[string]any{
						"rating":     st.Title.Rating,
						"views":      st.Title.Views,
						"popularity": st.Title.Popularity,
					},
					"score_breakdown": map[string]any{
						"relevance_score":  st.Scores.Relevance,
						"popularity_score": st.Scores.Popularity,
						"recency_score":    st.Scores.Recency,
						"total_score":      st.Scores.Total,
					},
				})
			}
			picks := make([]any, 0, len(r.Picks))
			ids := make([]string, 0, len(r.Picks))
			for _, p := range r.Picks {
				picks = append(picks, titleDoc(p.Title))
				ids = append(ids, p.Title.ID)
			}
			s.SetMetadata(xray.Document{
				"ranking_criteria": map[string]any{
					"relevance":  0.5,
					"popularity": 0.3,
					"recency":    0.2,
				},
				xray.MetaCandidates: list,
				"diversity_analysis": map[string]any{
					"unique_genres":   r.UniqueGenres,
					"diversity_score": r.DiversityScore,
				},
			})
			s.SetOutput(xray.Document{"recommendations": picks, "count": len(picks)})
			if len(r.Picks) == 0 {
				s.SetReasoning("No qualified titles")
				return nil
			}
			res.Picks = r.Picks
			s.SetReasoning(fmt.Sprintf("Picked %s across %d genres (diversity %g)",
				strings.Join(ids, ", "), r.UniqueGenres, r.DiversityScore))
			return nil
		})
	})
	if err != nil {
		logger.Warn("content pipeline failed", "trace_id", res.TraceID, "error", err)
		return res, fmt.Errorf("content recommendation: %w", err)
	}
	logger.Info("content pipeline completed", "trace_id", res.TraceID, "picks", len(res.Picks))
	return res, nil
}

func titleDoc(t Title) map[string]any {
	return map[string]any{
		"content_id": t.ID,
		"title":      t.Name,
		"type":       t.Type,
		"genre":      t.Genre,
		"language":   t.Language,
		"rating":     t.Rating,
	}
}
