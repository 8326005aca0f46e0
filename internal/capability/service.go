package capability

import (
	"container/list"
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"

	"github.com/ssd-technologies/confluence/internal/aggregate"
	"github.com/ssd-technologies/confluence/internal/identity"
	"github.com/ssd-technologies/confluence/internal/record"
)

const (
	defaultMemoEntries = 4096
	maxMemoKeyBytes    = 16 << 10
	defaultMaxInFlight = 64
)

// Service is the stateful capability implementation. Run in-process it is the
// embedded source; exposed through NewHandler it is the networked one.
type Service struct {
	key      identity.Keypair
	inflight chan struct{}

	mu       sync.Mutex
	memo     map[string]*list.Element
	order    *list.List
	memoSize int

	hits  atomic.Int64
	calls atomic.Int64
}

type memoEntry struct {
	key    string
	digest string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMemoEntries bounds the hash memo cache.
func WithMemoEntries(n int) ServiceOption {
	return func(s *Service) { s.memoSize = n }
}

// WithMaxInFlight bounds concurrent calls; extra callers wait for a slot or
// for their context to end.
func WithMaxInFlight(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.inflight = make(chan struct{}, n)
		}
	}
}

// NewService creates a service that signs with key.
func NewService(key identity.Keypair, opts ...ServiceOption) *Service {
	s := &Service{
		key:      key,
		inflight: make(chan struct{}, defaultMaxInFlight),
		memo:     make(map[string]*list.Element),
		order:    list.New(),
		memoSize: defaultMemoEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.inflight <- struct{}{}:
		s.calls.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() { <-s.inflight }

// Hash returns the SHA3-256 digest of data, memoizing small inputs.
func (s *Service) Hash(ctx context.Context, data []byte) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	if len(data) > maxMemoKeyBytes || s.memoSize <= 0 {
		return record.Digest(data), nil
	}
	key := string(data)

	s.mu.Lock()
	if el, ok := s.memo[key]; ok {
		s.order.MoveToFront(el)
		digest := el.Value.(*memoEntry).digest
		s.mu.Unlock()
		s.hits.Add(1)
		return digest, nil
	}
	s.mu.Unlock()

	digest := record.Digest(data)

	s.mu.Lock()
	if _, ok := s.memo[key]; !ok {
		s.memo[key] = s.order.PushFront(&memoEntry{key: key, digest: digest})
		for s.order.Len() > s.memoSize {
			oldest := s.order.Back()
			s.order.Remove(oldest)
			delete(s.memo, oldest.Value.(*memoEntry).key)
		}
	}
	s.mu.Unlock()
	return digest, nil
}

// Sign signs msg with the service key.
func (s *Service) Sign(ctx context.Context, msg []byte) (Signature, error) {
	if err := s.acquire(ctx); err != nil {
		return Signature{}, err
	}
	defer s.release()
	return Signature{PublicKey: append([]byte(nil), s.key.Public...), Value: ed25519.Sign(s.key.Private, msg)}, nil
}

// Aggregate returns the trimmed mean of values.
func (s *Service) Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	return aggregate.TrimmedMean(values, trimFraction)
}

// Stats reports how many calls the service served and how many hashes came
// from the memo.
func (s *Service) Stats() (calls, memoHits int64) {
	return s.calls.Load(), s.hits.Load()
}

// Library is the plain binding: no state beyond the instance key.
type Library struct {
	key identity.Keypair
}

// NewLibrary returns a library binding signing with the instance key.
func NewLibrary(key identity.Keypair) *Library {
	return &Library{key: key}
}

func (l *Library) Hash(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return record.Digest(data), nil
}

func (l *Library) Sign(ctx context.Context, msg []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	return Signature{PublicKey: append([]byte(nil), l.key.Public...), Value: l.key.Sign(msg)}, nil
}

func (l *Library) Aggregate(ctx context.Context, values []float64, trimFraction float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return aggregate.TrimmedMean(values, trimFraction)
}
