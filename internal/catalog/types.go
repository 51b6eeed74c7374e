package catalog

// MovieSummary is one entry of a discovery page. Only the id is used to
// fetch the full record.
type MovieSummary struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	OriginalLanguage string  `json:"original_language"`
	Popularity       float64 `json:"popularity"`
}

// DiscoverPage is one page of /discover/movie.
//
// TotalPages is 0 when the response omits it.
type DiscoverPage struct {
	Page         int            `json:"page"`
	Results      []MovieSummary `json:"results"`
	TotalPages   int            `json:"total_pages"`
	TotalResults int            `json:"total_results"`
}

type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CrewMember is one entry of credits.crew. Job is nil when the source sends
// null or omits it.
type CrewMember struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Popularity *float64 `json:"popularity"`
	Job        *string  `json:"job"`
	Department string   `json:"department"`
}

// CastMember is decoded for completeness; the loader does not persist cast.
type CastMember struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Character  string   `json:"character"`
	Order      int      `json:"order"`
	Popularity *float64 `json:"popularity"`
}

type Credits struct {
	Cast []CastMember `json:"cast"`
	Crew []CrewMember `json:"crew"`
}

// MovieDetail is /movie/{id}?append_to_response=credits.
//
// Nullable source fields are pointers so "absent" survives to storage as NULL.
type MovieDetail struct {
	ID               int64    `json:"id"`
	Title            string   `json:"title"`
	OriginalTitle    *string  `json:"original_title"`
	Tagline          *string  `json:"tagline"`
	Overview         *string  `json:"overview"`
	ReleaseDate      *string  `json:"release_date"`
	Runtime          *int64   `json:"runtime"`
	Popularity       *float64 `json:"popularity"`
	VoteAverage      *float64 `json:"vote_average"`
	VoteCount        *int64   `json:"vote_count"`
	OriginalLanguage string   `json:"original_language"`
	Budget           *int64   `json:"budget"`
	Genres           []Genre  `json:"genres"`
	Credits          Credits  `json:"credits"`
}
