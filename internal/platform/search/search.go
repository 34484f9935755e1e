// Package search provides full-text search over patients and cases.
// Meilisearch serves queries when it is reachable; a Postgres ILIKE
// fallback on the clinic schema answers them when it is not, so search
// never hard-depends on the sidecar.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPatient ResultType = "patient"
	ResultCase    ResultType = "case"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	PatientID string     `json:"patient_id,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request. Clinic is mandatory: results never
// cross clinic boundaries.
type Query struct {
	Text       string
	Clinic     string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher executes a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// PatientRecord is the data indexed for a patient.
type PatientRecord struct {
	ID        string `json:"id"`
	Clinic    string `json:"clinic"`
	Name      string `json:"name"`
	Species   string `json:"species"`
	Breed     string `json:"breed"`
	OwnerName string `json:"owner_name"`
	Active    bool   `json:"active"`
}

// CaseRecord is the data indexed for a case.
type CaseRecord struct {
	ID          string `json:"id"`
	Clinic      string `json:"clinic"`
	Title       string `json:"title"`
	Complaint   string `json:"complaint"`
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name"`
	Status      string `json:"status"`
}
