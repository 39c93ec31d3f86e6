package llm

import (
	"context"
	"sync"

	"github.com/openrecords/docket/pkg/models"
)

// Stub is a scripted Service for tests. Responses are consumed in FIFO
// order per method; when a queue is empty the stub falls back to its
// Default* values (UNKNOWN classification, empty draft) so tests only
// script what they assert on.
type Stub struct {
	mu sync.Mutex

	classifications []*Classification
	drafts          []*Draft

	ClassifyErr error
	DraftErr    error

	// Recorded inputs, in call order.
	ClassifyCalls []ClassifyInput
	DraftCalls    []DraftInput
}

func NewStub() *Stub { return &Stub{} }

// QueueClassification appends a scripted classifier response.
func (s *Stub) QueueClassification(c *Classification) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications = append(s.classifications, c)
	return s
}

// QueueDraft appends a scripted drafter response.
func (s *Stub) QueueDraft(d *Draft) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d)
	return s
}

func (s *Stub) Classify(_ context.Context, in ClassifyInput) (*Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClassifyCalls = append(s.ClassifyCalls, in)
	if s.ClassifyErr != nil {
		return nil, s.ClassifyErr
	}
	if len(s.classifications) == 0 {
		return &Classification{Classification: models.ClassUnknown, RequiresResponse: true, Confidence: 0}, nil
	}
	out := s.classifications[0]
	s.classifications = s.classifications[1:]
	return out, nil
}

func (s *Stub) Draft(_ context.Context, in DraftInput) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DraftCalls = append(s.DraftCalls, in)
	if s.DraftErr != nil {
		return nil, s.DraftErr
	}
	if len(s.drafts) == 0 {
		return &Draft{Subject: "Re: your records request", Body: "stub draft", Confidence: 0.5}, nil
	}
	out := s.drafts[0]
	s.drafts = s.drafts[1:]
	return out, nil
}

var _ Service = (*Stub)(nil)
