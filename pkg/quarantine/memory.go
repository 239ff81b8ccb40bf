package quarantine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// MemoryStore is an in-process Store for tests and dry runs
type MemoryStore struct {
	mu              sync.Mutex
	records         []model.QuarantinedRecord
	batches         map[string]model.ImportBatch
	transformations map[string][]model.TransformationRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:         make(map[string]model.ImportBatch),
		transformations: make(map[string][]model.TransformationRecord),
	}
}

func (s *MemoryStore) InsertQuarantined(_ context.Context, records []model.QuarantinedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.records))
	for _, r := range s.records {
		seen[r.ID] = true
	}
	for _, r := range records {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		s.records = append(s.records, r)
	}
	return nil
}

func (s *MemoryStore) ListQuarantined(_ context.Context, filter Filter) ([]model.QuarantinedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QuarantinedRecord
	for _, r := range s.records {
		if !filter.Matches(r) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetQuarantined(_ context.Context, id string) (*model.QuarantinedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MarkReviewed(_ context.Context, id string, resolution model.Resolution, reviewer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		r := &s.records[i]
		if r.ID != id {
			continue
		}
		if r.ReviewStatus == model.ReviewReviewed {
			return ErrAlreadyReviewed
		}
		r.ReviewStatus = model.ReviewReviewed
		r.Resolution = resolution
		r.Reviewer = reviewer
		r.ReviewedAt = &at
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) CountUnreviewed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.ReviewStatus == model.ReviewUnreviewed {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeBatch(_ context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	purged := 0
	for _, r := range s.records {
		if r.BatchID == batchID {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, batch *model.ImportBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = *batch
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*model.ImportBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, limit int) ([]model.ImportBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ImportBatch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindCommittedBatch(ctx context.Context, checksum string) (*model.ImportBatch, error) {
	batches, _ := s.ListBatches(ctx, 0)
	for _, b := range batches {
		if b.InputChecksum == checksum && committed(b.Status) {
			b := b
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveTransformations(_ context.Context, records []model.TransformationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.saved(r.BatchID, r.Sequence) {
			continue
		}
		s.transformations[r.BatchID] = append(s.transformations[r.BatchID], r)
	}
	return nil
}

func (s *MemoryStore) ListTransformations(_ context.Context, batchID string) ([]model.TransformationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TransformationRecord(nil), s.transformations[batchID]...), nil
}

func (s *MemoryStore) saved(batchID string, sequence int) bool {
	for _, r := range s.transformations[batchID] {
		if r.Sequence == sequence {
			return true
		}
	}
	return false
}
