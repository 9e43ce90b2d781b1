package demo

// Title is one item in the sample streaming catalogue.
type Title struct {
	ID          string  `json:"content_id"`
	Name        string  `json:"title"`
	Type        string  `json:"type"`
	Genre       string  `json:"genre"`
	Language    string  `json:"language"`
	ReleaseYear int     `json:"release_year"`
	Rating      float64 `json:"rating"`
	Views       int     `json:"views"`
	Popularity  float64 `json:"popularity_score"`
}

// Watched is one entry of a viewer's history. Minutes is the watch time.
type Watched struct {
	Title   string
	Genre   string
	Rating  int
	Minutes int
}

// Viewer is the person recommendations are made for.
type Viewer struct {
	ID            string
	Name          string
	Genres        []string
	Languages     []string
	ContentTypes  []string
	History       []Watched
	AverageRating float64
}

// Alex is the sample viewer.
var Alex = Viewer{
	ID:           "user_12345",
	Name:         "Alex Thompson",
	Genres:       []string{"sci-fi", "thriller", "documentary"},
	Languages:    []string{"english", "spanish"},
	ContentTypes: []string{"movie", "series"},
	History: []Watched{
		{Title: "Inception", Genre: "sci-fi", Rating: 5, Minutes: 169},
		{Title: "The Social Network", Genre: "drama", Rating: 4, Minutes: 120},
		{Title: "Planet Earth", Genre: "documentary", Rating: 5, Minutes: 50},
		{Title: "Black Mirror", Genre: "sci-fi", Rating: 5, Minutes: 50},
	},
	AverageRating: 4.75,
}

// Library holds strong matches, titles each filter should reject and a few
// edge cases (a well-rated title in an unsupported language, a popular one
// with a poor rating).
var Library = []Title{
	{ID: "C001", Name: "Interstellar", Type: "movie", Genre: "sci-fi", Language: "english", ReleaseYear: 2014, Rating: 4.6, Views: 15000000, Popularity: 0.95},
	{ID: "C002", Name: "Blade Runner 2049", Type: "movie", Genre: "sci-fi", Language: "english", ReleaseYear: 2017, Rating: 4.4, Views: 8000000, Popularity: 0.88},
	{ID: "C003", Name: "The Expanse", Type: "series", Genre: "sci-fi", Language: "english", ReleaseYear: 2015, Rating: 4.7, Views: 12000000, Popularity: 0.91},
	{ID: "C004", Name: "Dark", Type: "series", Genre: "thriller", Language: "german", ReleaseYear: 2017, Rating: 4.8, Views: 10000000, Popularity: 0.92},
	{ID: "C005", Name: "Mindhunter", Type: "series", Genre: "thriller", Language: "english", ReleaseYear: 2017, Rating: 4.5, Views: 9000000, Popularity: 0.87},
	{ID: "C006", Name: "Cosmos: A Spacetime Odyssey", Type: "series", Genre: "documentary", Language: "english", ReleaseYear: 2014, Rating: 4.9, Views: 7000000, Popularity: 0.89},
	{ID: "C007", Name: "Our Planet", Type: "series", Genre: "documentary", Language: "english", ReleaseYear: 2019, Rating: 4.9, Views: 25000000, Popularity: 0.96},
	{ID: "C008", Name: "Baby Shark Adventures", Type: "series", Genre: "kids", Language: "english", ReleaseYear: 2020, Rating: 3.2, Views: 50000000, Popularity: 0.75},
	{ID: "C009", Name: "Romantic Getaway", Type: "movie", Genre: "romance", Language: "english", ReleaseYear: 2023, Rating: 3.5, Views: 2000000, Popularity: 0.65},
	{ID: "C010", Name: "Cooking Masterclass", Type: "series", Genre: "lifestyle", Language: "french", ReleaseYear: 2022, Rating: 4.1, Views: 3000000, Popularity: 0.72},
	{ID: "C011", Name: "Arrival", Type: "movie", Genre: "sci-fi", Language: "english", ReleaseYear: 2016, Rating: 4.5, Views: 11000000, Popularity: 0.90},
	{ID: "C012", Name: "Stranger Things", Type: "series", Genre: "sci-fi", Language: "english", ReleaseYear: 2016, Rating: 4.7, Views: 30000000, Popularity: 0.98},
	{ID: "C013", Name: "The Martian", Type: "movie", Genre: "sci-fi", Language: "english", ReleaseYear: 2015, Rating: 4.6, Views: 20000000, Popularity: 0.93},
	{ID: "C014", Name: "Sherlock", Type: "series", Genre: "thriller", Language: "english", ReleaseYear: 2010, Rating: 4.8, Views: 18000000, Popularity: 0.94},
	{ID: "C015", Name: "13th", Type: "movie", Genre: "documentary", Language: "english", ReleaseYear: 2016, Rating: 4.7, Views: 5000000, Popularity: 0.85},
	{ID: "C016", Name: "Ancient Aliens", Type: "series", Genre: "documentary", Language: "english", ReleaseYear: 2009, Rating: 2.8, Views: 15000000, Popularity: 0.70},
	{ID: "C017", Name: "Generic Action Movie 5", Type: "movie", Genre: "action", Language: "english", ReleaseYear: 2023, Rating: 3.1, Views: 8000000, Popularity: 0.68},
	{ID: "C018", Name: "Westworld", Type: "series", Genre: "sci-fi", Language: "english", ReleaseYear: 2016, Rating: 4.4, Views: 14000000, Popularity: 0.89},
	{ID: "C019", Name: "Making a Murderer", Type: "series", Genre: "documentary", Language: "english", ReleaseYear: 2015, Rating: 4.6, Views: 9000000, Popularity: 0.88},
	{ID: "C020", Name: "The Crown", Type: "series", Genre: "drama", Language: "english", ReleaseYear: 2016, Rating: 4.5, Views: 16000000, Popularity: 0.91},
}
