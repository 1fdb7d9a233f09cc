package search

// MatchReason tags why an entry is in a bundle.
type MatchReason string

const (
	ReasonMatch   MatchReason = "match"
	ReasonInclude MatchReason = "include"
)

// Entry is one resource in a result bundle.
type Entry struct {
	FullURL     string                 `json:"fullUrl"`
	Resource    map[string]interface{} `json:"resource"`
	MatchReason MatchReason            `json:"matchReason"`
}

// Bundle is the ephemeral, paginated container a search returns. Matches come
// first in query order, included resources after them.
type Bundle struct {
	Entries        []Entry `json:"entries"`
	Total          int     `json:"total"`
	NextPageCursor string  `json:"nextPageCursor,omitempty"`
}
