package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tasks/internal/appers"
	"tasks/internal/application/entity"

	"github.com/gofrs/uuid"
)

// fakeStore - tasks и outbox в памяти с той же семантикой claim:
// неопубликованные строки без аренды в порядке (created_at, id)
type fakeStore struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]entity.Task
	outbox []*entity.OutboxRecord
	nextID int64

	claimErr   error
	markErr    map[int64]error
	writeErr   error
	released   []int64
	unclaimed  []int64
	markCalls  int
	claimCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[uuid.UUID]entity.Task{}, markErr: map[int64]error{}}
}

func (s *fakeStore) addOutbox(stream, eventType, aggregate string, payload map[string]any) *entity.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec := &entity.OutboxRecord{
		ID:          s.nextID,
		Stream:      stream,
		EventType:   eventType,
		AggregateID: aggregate,
		Payload:     payload,
		CreatedAt:   time.Now().Add(time.Duration(s.nextID) * time.Microsecond),
	}
	s.outbox = append(s.outbox, rec)
	return rec
}

func (s *fakeStore) ClaimPendingOutbox(_ context.Context, limit int, lease time.Duration) ([]entity.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	now := time.Now()
	var out []entity.OutboxRecord
	for _, r := range s.outbox {
		if len(out) == limit {
			break
		}
		if r.Published || (r.ClaimedUntil != nil && r.ClaimedUntil.After(now)) {
			continue
		}
		until := now.Add(lease)
		r.ClaimedUntil = &until
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id int64, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	if err := s.markErr[id]; err != nil {
		return err
	}
	for _, r := range s.outbox {
		if r.ID == id {
			now := time.Now()
			r.Published = true
			r.PublishedAt = &now
			r.MessageID = &messageID
			r.ClaimedUntil = nil
			return nil
		}
	}
	return errors.New("outbox record not found")
}

func (s *fakeStore) ReleaseClaim(_ context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	for _, r := range s.outbox {
		if r.ID == id && !r.Published {
			r.Attempts++
			r.LastError = &cause
			r.ClaimedUntil = nil
		}
	}
	return nil
}

func (s *fakeStore) UnclaimOutbox(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unclaimed = append(s.unclaimed, ids...)
	for _, id := range ids {
		for _, r := range s.outbox {
			if r.ID == id && !r.Published {
				r.ClaimedUntil = nil
			}
		}
	}
	return nil
}

func (s *fakeStore) CountPendingOutbox(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.outbox {
		if !r.Published {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*entity.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, appers.ErrTaskNotFound
	}
	return &t, nil
}

func (s *fakeStore) UpsertTask(_ context.Context, t *entity.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return appers.NewPersistenceError("upsert task", s.writeErr)
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *fakeStore) WriteWithOutbox(_ context.Context, t *entity.Task, e *entity.OutboxRecord) error {
	s.mu.Lock()
	if s.writeErr != nil {
		s.mu.Unlock()
		return appers.NewPersistenceError("write with outbox", s.writeErr)
	}
	s.tasks[t.ID] = *t
	s.mu.Unlock()

	rec := s.addOutbox(e.Stream, e.EventType, e.AggregateID, e.Payload)
	e.ID = rec.ID
	return nil
}

func (s *fakeStore) putTask(t *entity.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
}

func (s *fakeStore) task(id uuid.UUID) entity.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *fakeStore) published() []*entity.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.OutboxRecord
	for _, r := range s.outbox {
		if r.Published {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) eventsOfType(t string) []*entity.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.OutboxRecord
	for _, r := range s.outbox {
		if r.EventType == t {
			out = append(out, r)
		}
	}
	return out
}

type publishedMsg struct {
	stream string
	msg    entity.StreamMessage
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []publishedMsg
	failFor map[string]error // aggregate id -> error
	closed  bool
	delay   time.Duration
	seq     int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failFor: map[string]error{}}
}

func (p *fakePublisher) Publish(ctx context.Context, stream string, msg entity.StreamMessage) (string, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", &appers.PublishError{Stream: stream, Err: ctx.Err()}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[msg.AggregateID]; err != nil {
		return "", &appers.PublishError{Stream: stream, Err: err}
	}
	p.seq++
	p.sent = append(p.sent, publishedMsg{stream: stream, msg: msg})
	return fmt.Sprintf("%d-0", p.seq), nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) messages() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.sent...)
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakeProcessor) Process(context.Context, *entity.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
