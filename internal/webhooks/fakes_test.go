package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory implementation of the store interfaces for
// exercising the services without Postgres.
type fakeStore struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	subs       map[string][]string
	events     map[string]*Event
	deliveries map[string]*Delivery
	activity   []*ActivityEntry

	seq int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		endpoints:  make(map[string]*Endpoint),
		subs:       make(map[string][]string),
		events:     make(map[string]*Event),
		deliveries: make(map[string]*Delivery),
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeStore) CreateEndpoint(_ context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = s.nextID("ep")
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *fakeStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) GetEndpointForUser(_ context.Context, id, userID string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok || e.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) ListEndpoints(_ context.Context, userID string) ([]*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Endpoint
	for _, e := range s.endpoints {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateEndpoint(_ context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now()
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	delete(s.subs, id)
	return nil
}

func (s *fakeStore) SetEndpointActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	e.Active = active
	return nil
}

func (s *fakeStore) ReplaceSubscriptions(_ context.Context, endpointID string, eventTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[endpointID] = append([]string(nil), eventTypes...)
	return nil
}

func (s *fakeStore) ListEligibleEndpoints(_ context.Context, eventType string) ([]*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Endpoint
	for id, e := range s.endpoints {
		if !e.Active {
			continue
		}
		for _, et := range s.subs[id] {
			if et == eventType {
				cp := *e
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) RecordEndpointOutcome(_ context.Context, id string, success bool, responseTimeMs int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	e.TotalDeliveries++
	if success {
		e.SuccessfulDeliveries++
		e.LastSuccessAt = &at
		if e.AvgResponseMs == nil {
			v := float64(responseTimeMs)
			e.AvgResponseMs = &v
		} else {
			v := (*e.AvgResponseMs + float64(responseTimeMs)) / 2
			e.AvgResponseMs = &v
		}
	} else {
		e.FailedDeliveries++
		e.LastFailureAt = &at
	}
	return nil
}

func (s *fakeStore) CreateEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = s.nextID("ev")
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *fakeStore) GetEvent(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *fakeStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.nextID("dl")
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *fakeStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ClaimDelivery(_ context.Context, id string, at time.Time) (*Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if d.Status != StatusPending && d.Status != StatusRetrying {
		return nil, false, nil
	}
	d.Status = StatusProcessing
	d.AttemptNumber++
	d.StartedAt = &at
	cp := *d
	return &cp, true, nil
}

func (s *fakeStore) FinalizeDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil
	}
	cp := *d
	s.deliveries[d.ID] = &cp

	if ev, ok := s.events[d.EventID]; ok {
		ev.PendingCount--
		if d.Status == StatusSucceeded {
			ev.SuccessCount++
		} else {
			ev.FailedCount++
		}
		if ev.PendingCount <= 0 {
			now := time.Now()
			ev.ProcessedAt = &now
		}
	}
	return nil
}

func (s *fakeStore) ScheduleRetry(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil
	}
	cp := *d
	cp.Status = StatusRetrying
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *fakeStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Delivery
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID {
			cp := *d
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *fakeStore) AggregateDeliveries(_ context.Context, endpointID, period string, from, to time.Time) ([]AnalyticsBucket, error) {
	summary, err := s.SummarizeDeliveries(context.Background(), endpointID, from, to)
	if err != nil {
		return nil, err
	}
	if summary.Total == 0 {
		return nil, nil
	}
	return []AnalyticsBucket{{
		Bucket:        from.Truncate(time.Hour),
		Total:         summary.Total,
		Succeeded:     summary.Succeeded,
		Failed:        summary.Failed,
		AvgResponseMs: summary.AvgResponseMs,
	}}, nil
}

func (s *fakeStore) SummarizeDeliveries(_ context.Context, endpointID string, from, to time.Time) (*AnalyticsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum AnalyticsSummary
	var msTotal float64
	for _, d := range s.deliveries {
		if d.EndpointID != endpointID || d.CompletedAt == nil {
			continue
		}
		if d.CompletedAt.Before(from) || !d.CompletedAt.Before(to) {
			continue
		}
		sum.Total++
		switch d.Status {
		case StatusSucceeded:
			sum.Succeeded++
			msTotal += float64(d.ResponseTimeMs)
		case StatusFailed:
			sum.Failed++
		}
	}
	if sum.Succeeded > 0 {
		sum.AvgResponseMs = msTotal / float64(sum.Succeeded)
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.Succeeded) / float64(sum.Total)
	}
	return &sum, nil
}

func (s *fakeStore) LogActivity(_ context.Context, entry *ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.activity = append(s.activity, &cp)
	return nil
}

// enqueuedDelivery records one EnqueueDelivery call.
type enqueuedDelivery struct {
	DeliveryID string
	EndpointID string
	RunAt      time.Time
}

// fakeEnqueuer records enqueued jobs instead of inserting them.
type fakeEnqueuer struct {
	mu         sync.Mutex
	fanouts    []*Event
	deliveries []enqueuedDelivery
}

func (f *fakeEnqueuer) EnqueueFanout(_ context.Context, ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.fanouts = append(f.fanouts, &cp)
	return nil
}

func (f *fakeEnqueuer) EnqueueDelivery(_ context.Context, deliveryID, endpointID string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, enqueuedDelivery{
		DeliveryID: deliveryID,
		EndpointID: endpointID,
		RunAt:      runAt,
	})
	return nil
}

// fakeMetrics counts metric calls for assertions.
type fakeMetrics struct {
	mu                  sync.Mutex
	published           int
	deliveries          map[string]int
	rateLimitDeferrals  int
	breakerSuppressions int
	breakerTransitions  []string
	activeEndpoints     int64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{deliveries: make(map[string]int)}
}

func (f *fakeMetrics) CountEventPublished(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
}

func (f *fakeMetrics) ObserveDelivery(_ context.Context, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[outcome]++
}

func (f *fakeMetrics) CountRateLimitDeferral(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimitDeferrals++
}

func (f *fakeMetrics) CountBreakerSuppression(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakerSuppressions++
}

func (f *fakeMetrics) CountBreakerTransition(_ context.Context, from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakerTransitions = append(f.breakerTransitions, from+"->"+to)
}

func (f *fakeMetrics) AddActiveEndpoints(_ context.Context, delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeEndpoints += delta
}

// noopResetter satisfies StateResetter for registry tests.
type noopResetter struct {
	keys []string
}

func (n *noopResetter) Reset(_ context.Context, key string) {
	n.keys = append(n.keys, key)
}
