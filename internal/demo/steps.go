package demo

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "with": true, "for": true,
	"and": true, "or": true, "of": true, "in": true, "on": true,
}

var capacityRe = regexp.MustCompile(`\d+oz`)

// Keywords stands in for an LLM call: the primary keyword is the title
// without stop words, followed by a capacity variation when one is present.
func Keywords(title string) []string {
	lower := strings.ToLower(title)
	var words []string
	for _, w := range strings.Fields(lower) {
		if !stopWords[w] {
			words = append(words, w)
		}
	}
	keywords := []string{strings.Join(words, " ")}
	if capacity := capacityRe.FindString(lower); capacity != "" {
		v := "bottle " + capacity
		if strings.Contains(lower, "insulated") {
			v = "insulated " + v
		}
		keywords = append(keywords, v)
	}
	return keywords
}

// SearchResult is what the mock search API returns.
type SearchResult struct {
	TotalResults int
	Candidates   []Product
}

// Search ranks pool by how many keyword terms each title shares, with a
// bonus for an exact phrase match. Non-matching products pad the result in
// catalogue order up to limit.
func Search(keyword string, pool []Product, limit int) SearchResult {
	kw := strings.ToLower(keyword)
	terms := map[string]bool{}
	for _, t := range strings.Fields(kw) {
		terms[t] = true
	}

	type scored struct {
		p     Product
		score int
	}
	all := make([]scored, 0, len(pool))
	for _, p := range pool {
		title := strings.ToLower(p.Title)
		seen := map[string]bool{}
		score := 0
		for _, t := range strings.Fields(title) {
			if terms[t] && !seen[t] {
				seen[t] = true
				score++
			}
		}
		if strings.Contains(title, kw) {
			score += 10
		}
		all = append(all, scored{p, score})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	out := make([]Product, 0, min(limit, len(all)))
	for _, s := range all {
		if len(out) == limit {
			break
		}
		out = append(out, s.p)
	}
	return SearchResult{TotalResults: len(pool) * 50, Candidates: out}
}

// Filter thresholds.
const (
	MinRating     = 3.8
	MinReviews    = 100
	PriceLowMult  = 0.5
	PriceHighMult = 2.0
)

// Check is one filter outcome for one candidate.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// Evaluation is the filter verdict for one candidate.
type Evaluation struct {
	Product   Product
	Checks    []Check
	Qualified bool
	Reasoning string
}

// Evaluate applies the price band, rating and review-count filters.
func Evaluate(candidates []Product, ref Product) []Evaluation {
	lo, hi := ref.Price*PriceLowMult, ref.Price*PriceHighMult
	out := make([]Evaluation, 0, len(candidates))
	for _, c := range candidates {
		inBand := c.Price >= lo && c.Price <= hi
		word := "outside"
		if inBand {
			word = "is within"
		}
		checks := []Check{
			{Name: "price_range", Passed: inBand, Detail: fmt.Sprintf("$%.2f %s $%.2f-$%.2f", c.Price, word, lo, hi)},
			{Name: "min_rating", Passed: c.Rating >= MinRating, Detail: fmt.Sprintf("%g %s %g threshold", c.Rating, cmp(c.Rating >= MinRating), MinRating)},
			{Name: "min_reviews", Passed: c.Reviews >= MinReviews, Detail: fmt.Sprintf("%d %s %d minimum", c.Reviews, cmp(c.Reviews >= MinReviews), MinReviews)},
		}
		var failed []string
		for _, ch := range checks {
			if !ch.Passed {
				failed = append(failed, ch.Name)
			}
		}
		e := Evaluation{Product: c, Checks: checks, Qualified: len(failed) == 0, Reasoning: "Passed all filters"}
		if !e.Qualified {
			e.Reasoning = "Failed: " + strings.Join(failed, ", ")
		}
		out = append(out, e)
	}
	return out
}

func cmp(ok bool) string {
	if ok {
		return ">="
	}
	return "<"
}

// Scores is the weighted breakdown behind a ranking.
type Scores struct {
	ReviewCount    float64
	Rating         float64
	PriceProximity float64
	Total          float64
}

// Ranked is one qualified candidate with its position.
type Ranked struct {
	Rank    int
	Product Product
	Scores  Scores
}

// Rank orders qualified candidates by a weighted score: review count 50%,
// rating 30%, closeness to the reference price 20%. Components are rounded
// to two places.
func Rank(qualified []Product, ref Product) []Ranked {
	if len(qualified) == 0 {
		return nil
	}
	maxReviews := 0
	for _, c := range qualified {
		maxReviews = max(maxReviews, c.Reviews)
	}
	out := make([]Ranked, 0, len(qualified))
	for _, c := range qualified {
		var reviewScore float64
		if maxReviews > 0 {
			reviewScore = float64(c.Reviews) / float64(maxReviews)
		}
		ratingScore := c.Rating / 5.0
		proximity := 1 - math.Min(math.Abs(c.Price-ref.Price)/ref.Price, 1)
		total := reviewScore*0.5 + ratingScore*0.3 + proximity*0.2
		out = append(out, Ranked{Product: c, Scores: Scores{
			ReviewCount:    round2(reviewScore),
			Rating:         round2(ratingScore),
			PriceProximity: round2(proximity),
			Total:          round2(total),
		}})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Scores.Total > out[j].Scores.Total })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
