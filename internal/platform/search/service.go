package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan. Indexing is fire-and-forget: a write never waits on, or
// fails because of, the search sidecar.
type Service struct {
	meili *Meili
	pg    *Postgres
	log   zerolog.Logger
}

// NewService creates the search facade. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, pg *Postgres, log zerolog.Logger) *Service {
	return &Service{meili: meili, pg: pg, log: log}
}

// Search serves a query, preferring Meilisearch when it is healthy.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}

	results, total, err := s.pg.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPatient pushes a patient record to Meilisearch in the background.
func (s *Service) IndexPatient(p PatientRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPatient(p); err != nil {
			s.log.Warn().Err(err).Str("patient_id", p.ID).Msg("index patient")
		}
	}()
}

// IndexCase pushes a case record to Meilisearch in the background.
func (s *Service) IndexCase(c CaseRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCase(c); err != nil {
			s.log.Warn().Err(err).Str("case_id", c.ID).Msg("index case")
		}
	}()
}

// DeletePatient removes a patient from the index in the background.
func (s *Service) DeletePatient(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePatient(id); err != nil {
			s.log.Warn().Err(err).Str("patient_id", id).Msg("deindex patient")
		}
	}()
}

// DeleteCase removes a case from the index in the background.
func (s *Service) DeleteCase(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteCase(id); err != nil {
			s.log.Warn().Err(err).Str("case_id", id).Msg("deindex case")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
