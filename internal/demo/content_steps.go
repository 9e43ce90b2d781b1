package demo

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Criteria is what profile analysis extracts from a viewer.
type Criteria struct {
	Genres          []string `json:"preferred_genres"`
	Languages       []string `json:"preferred_languages"`
	ContentTypes    []string `json:"preferred_content_types"`
	MinRating       float64  `json:"minimum_rating_threshold"`
	PrefersLongForm bool     `json:"prefers_long_form"`
	Engagement      string   `json:"engagement_level"`
}

// AnalyzeProfile merges stated genres with genres the viewer rated 4 or more,
// and sets the rating floor half a star under the viewer's average.
func AnalyzeProfile(v Viewer) Criteria {
	genres := slices.Clone(v.Genres)
	minutes := 0
	for _, w := range v.History {
		if w.Rating >= 4 && !slices.Contains(genres, w.Genre) {
			genres = append(genres, w.Genre)
		}
		minutes += w.Minutes
	}
	longForm := false
	if len(v.History) > 0 {
		longForm = float64(minutes)/float64(len(v.History)) > 90
	}
	engagement := "medium"
	if v.AverageRating >= 4.5 {
		engagement = "high"
	}
	return Criteria{
		Genres:          genres,
		Languages:       v.Languages,
		ContentTypes:    v.ContentTypes,
		MinRating:       v.AverageRating - 0.5,
		PrefersLongForm: longForm,
		Engagement:      engagement,
	}
}

// TitleEvaluation is the filter outcome for one catalogue title.
type TitleEvaluation struct {
	Title     Title
	Checks    []Check
	Qualified bool
	Reasoning string
}

// FilterTitles applies the genre, rating, language and type filters. English
// is always an acceptable language.
func FilterTitles(pool []Title, c Criteria) []TitleEvaluation {
	out := make([]TitleEvaluation, 0, len(pool))
	for _, t := range pool {
		genreOK := slices.Contains(c.Genres, t.Genre)
		ratingOK := t.Rating >= c.MinRating
		langOK := t.Language == "english" || slices.Contains(c.Languages, t.Language)
		typeOK := slices.Contains(c.ContentTypes, t.Type)
		checks := []Check{
			{Name: "genre_match", Passed: genreOK, Detail: fmt.Sprintf("Genre '%s' %s preferences %v", t.Genre, matches(genreOK), c.Genres)},
			{Name: "minimum_rating", Passed: ratingOK, Detail: fmt.Sprintf("%g %s %g threshold", t.Rating, cmp(ratingOK), c.MinRating)},
			{Name: "language_support", Passed: langOK, Detail: fmt.Sprintf("Language '%s' %s", t.Language, supported(langOK))},
			{Name: "content_type", Passed: typeOK, Detail: fmt.Sprintf("Type '%s' %s preferences %v", t.Type, matches(typeOK), c.ContentTypes)},
		}
		e := TitleEvaluation{Title: t, Checks: checks, Qualified: true}
		var failed []string
		for _, ch := range checks {
			if !ch.Passed {
				e.Qualified = false
				failed = append(failed, ch.Name)
			}
		}
		if e.Qualified {
			e.Reasoning = "Passed all filters"
		} else {
			e.Reasoning = "Failed: " + strings.Join(failed, ", ")
		}
		out = append(out, e)
	}
	return out
}

func matches(ok bool) string {
	if ok {
		return "matches"
	}
	return "does not match"
}

func supported(ok bool) string {
	if ok {
		return "is supported"
	}
	return "not supported"
}

// RecencyYear anchors the recency score; titles lose a twentieth of it per
// year before this.
const RecencyYear = 2024

type TitleScores struct {
	Relevance  float64 `json:"relevance_score"`
	Popularity float64 `json:"popularity_score"`
	Recency    float64 `json:"recency_score"`
	Total      float64 `json:"total_score"`
}

type ScoredTitle struct {
	Rank   int
	Title  Title
	Scores TitleScores
}

// Recommendations is the outcome of ranking and diversification.
type Recommendations struct {
	// Ranked is every qualified title by total score, best first.
	Ranked []ScoredTitle
	// Picks is the final list: the best title of each genre first, then the
	// best of the rest until the target is reached.
	Picks          []ScoredTitle
	DiversityScore float64
	UniqueGenres   int
}

// Recommend scores qualified titles (relevance 50%, popularity 30%, recency
// 20%) and picks up to n with genre variety.
func Recommend(qualified []Title, v Viewer, n int) Recommendations {
	var rec Recommendations
	if len(qualified) == 0 || n <= 0 {
		return rec
	}
	for _, t := range qualified {
		genreFit := 0.7
		if slices.Contains(v.Genres, t.Genre) {
			genreFit = 1.0
		}
		relevance := genreFit*0.6 + t.Rating/5.0*0.4
		recency := max(0, 1-float64(RecencyYear-t.ReleaseYear)/20)
		total := relevance*0.5 + t.Popularity*0.3 + recency*0.2
		rec.Ranked = append(rec.Ranked, ScoredTitle{Title: t, Scores: TitleScores{
			Relevance:  round2(relevance),
			Popularity: round2(t.Popularity),
			Recency:    round2(recency),
			Total:      round2(total),
		}})
	}
	sort.SliceStable(rec.Ranked, func(i, j int) bool { return rec.Ranked[i].Scores.Total > rec.Ranked[j].Scores.Total })
	for i := range rec.Ranked {
		rec.Ranked[i].Rank = i + 1
	}

	picked := make(map[string]bool)
	genres := make(map[string]bool)
	for _, st := range rec.Ranked {
		if len(rec.Picks) == n {
			break
		}
		if !genres[st.Title.Genre] {
			genres[st.Title.Genre] = true
			picked[st.Title.ID] = true
			rec.Picks = append(rec.Picks, st)
		}
	}
	for _, st := range rec.Ranked {
		if len(rec.Picks) == n {
			break
		}
		if !picked[st.Title.ID] {
			picked[st.Title.ID] = true
			rec.Picks = append(rec.Picks, st)
		}
	}

	rec.UniqueGenres = len(genres)
	rec.DiversityScore = round2(float64(rec.UniqueGenres) / float64(min(n, len(rec.Picks))))
	return rec
}
