package attendance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rollcall/events"
	"github.com/jmcleod/rollcall/storage"
	"github.com/jmcleod/rollcall/storage/memory"
)

const testSignature = "c2lnbmF0dXJl"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(typ events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// flakyRepo fails selected operations on demand.
type flakyRepo struct {
	storage.Repository
	failBatch atomic.Bool
	failScan  atomic.Bool
	failGet   atomic.Bool
}

var errBackend = errors.New("backend down")

func (r *flakyRepo) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	if r.failBatch.Load() {
		return errBackend
	}
	return r.Repository.Batch(bucket, fn)
}

func (r *flakyRepo) Scan(bucket, recordType string) (map[string]*storage.Envelope, error) {
	if r.failScan.Load() {
		return nil, errBackend
	}
	return r.Repository.Scan(bucket, recordType)
}

func (r *flakyRepo) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	if r.failGet.Load() {
		return nil, errBackend
	}
	return r.Repository.Get(bucket, recordType, recordID)
}

type testEnv struct {
	svc   *Service
	clock *testClock
	sink  *recordingSink
	repo  *flakyRepo
	keys  *Keyring
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	keys, err := NewRandomKeyring()
	require.NoError(t, err)
	return newTestEnvWith(t, &flakyRepo{Repository: memory.NewRepository()}, keys, opts...)
}

func newTestEnvWith(t *testing.T, repo *flakyRepo, keys *Keyring, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: newTestClock(),
		sink:  &recordingSink{},
		repo:  repo,
		keys:  keys,
	}
	base := []Option{WithNow(env.clock.Now), WithEventSink(env.sink)}
	svc, err := NewService(repo, keys, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	env.svc = svc
	return env
}

func (e *testEnv) start(t *testing.T, classID string, rotationSeconds int) Session {
	t.Helper()
	s, err := e.svc.Sessions.StartSession(context.Background(), classID, "instructor-1", rotationSeconds)
	require.NoError(t, err)
	return s
}

func (e *testEnv) redeem(t *testing.T, participantID, token string) Result {
	t.Helper()
	res, err := e.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: participantID,
		TokenString:   token,
		Signature:     testSignature,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) records(t *testing.T) []Record {
	t.Helper()
	recs, err := e.svc.Ledger.snapshotRecords()
	require.NoError(t, err)
	return recs
}

func memoryRepo() storage.Repository {
	return memory.NewRepository()
}
