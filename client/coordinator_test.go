package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	starts    []time.Time
	gate      chan struct{}
	fail      error
	active    int32
	maxActive int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL)
	f.starts = append(f.starts, time.Now())
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	active := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxActive)
		if active <= seen || atomic.CompareAndSwapInt32(&f.maxActive, seen, active) {
			break
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail != nil {
		return nil, fail
	}

	return &Response{
		StatusCode: 200,
		Header:     map[string]string{"content-type": "application/json"},
		Body:       []byte(`{"url":"` + req.URL + `"}`),
	}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newCoordinator(t *testing.T, transport Transport, config *types.ClientConfig) *Coordinator {
	t.Helper()

	if config == nil {
		config = &types.ClientConfig{}
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://app.example.com"
	}
	if config.DispatchDelay == 0 {
		config.DispatchDelay = time.Millisecond
	}

	c, err := NewCoordinator(context.Background(), config, transport, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func (c *Coordinator) queueLen() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

func TestConcurrentIdenticalGetsShareOneCall(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	c := newCoordinator(t, transport, nil)

	const callers = 10
	responses := make([]*Response, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Do(context.Background(), &Request{URL: "/api/projects"})
			assert.NoError(t, err)
			responses[i] = resp
		}(i)
	}

	require.Eventually(t, func() bool { return transport.callCount() == 1 }, time.Second, time.Millisecond)
	close(transport.gate)
	wg.Wait()

	assert.Equal(t, 1, transport.callCount())
	for _, resp := range responses {
		require.NotNil(t, resp)
		assert.JSONEq(t, `{"url":"https://app.example.com/api/projects"}`, string(resp.Body))
	}

	responses[0].Body[0] = 'X'
	assert.Equal(t, byte('{'), responses[1].Body[0])
}

func TestSuccessfulGetIsCached(t *testing.T) {
	transport := newFakeTransport()
	c := newCoordinator(t, transport, nil)
	ctx := context.Background()

	_, err := c.Do(ctx, &Request{URL: "/api/projects"})
	require.NoError(t, err)
	resp, err := c.Do(ctx, &Request{URL: "/api/projects"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, transport.callCount())

	_, err = c.Do(ctx, &Request{URL: "/api/projects", SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.callCount())

	c.Invalidate("/api/projects")
	_, err = c.Do(ctx, &Request{URL: "/api/projects"})
	require.NoError(t, err)
	assert.Equal(t, 3, transport.callCount())
}

func TestFailureReachesEveryWaiterAndIsNotCached(t *testing.T) {
	transport := newFakeTransport()
	transport.fail = errors.New("connection reset")
	c := newCoordinator(t, transport, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), &Request{URL: "/api/flaky"})
			var reqErr *RequestError
			if assert.ErrorAs(t, err, &reqErr) {
				assert.Equal(t, "GET", reqErr.Method)
			}
		}()
	}
	wg.Wait()

	calls := transport.callCount()
	assert.GreaterOrEqual(t, calls, 1)

	transport.mu.Lock()
	transport.fail = nil
	transport.mu.Unlock()

	resp, err := c.Do(context.Background(), &Request{URL: "/api/flaky"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, calls+1, transport.callCount())
}

func TestGetDispatchIsFIFO(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	c := newCoordinator(t, transport, &types.ClientConfig{MaxConcurrency: 1})

	var wg sync.WaitGroup
	do := func(path string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Do(context.Background(), &Request{URL: path})
		}()
	}

	do("/first")
	require.Eventually(t, func() bool { return transport.callCount() == 1 }, time.Second, time.Millisecond)

	for i, path := range []string{"/b", "/c", "/d"} {
		do(path)
		want := i + 1
		require.Eventually(t, func() bool { return c.queueLen() == want }, time.Second, time.Millisecond)
	}

	close(transport.gate)
	wg.Wait()

	assert.Equal(t, []string{
		"GET https://app.example.com/first",
		"GET https://app.example.com/b",
		"GET https://app.example.com/c",
		"GET https://app.example.com/d",
	}, transport.callList())
}

func TestConcurrencyGate(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	c := newCoordinator(t, transport, &types.ClientConfig{MaxConcurrency: 2})

	var wg sync.WaitGroup
	for _, path := range []string{"/1", "/2", "/3", "/4", "/5"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, _ = c.Do(context.Background(), &Request{URL: path})
		}(path)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&transport.active) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, transport.callCount())

	close(transport.gate)
	wg.Wait()

	assert.Equal(t, 5, transport.callCount())
	assert.Equal(t, int32(2), atomic.LoadInt32(&transport.maxActive))
}

func TestDispatchPacing(t *testing.T) {
	transport := newFakeTransport()
	c := newCoordinator(t, transport, &types.ClientConfig{MaxConcurrency: 3, DispatchDelay: 50 * time.Millisecond})

	var wg sync.WaitGroup
	for _, path := range []string{"/1", "/2", "/3"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, _ = c.Do(context.Background(), &Request{URL: path})
		}(path)
	}
	wg.Wait()

	transport.mu.Lock()
	starts := append([]time.Time(nil), transport.starts...)
	transport.mu.Unlock()

	require.Len(t, starts, 3)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 40*time.Millisecond)
	}
}

func TestNonGetIsDeduplicatedButNotCached(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	c := newCoordinator(t, transport, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), &Request{Method: "POST", URL: "/api/claims", Body: []byte(`{"n":1}`)})
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Do(context.Background(), &Request{Method: "POST", URL: "/api/claims", Body: []byte(`{"n":2}`)})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return transport.callCount() == 2 }, time.Second, time.Millisecond)
	close(transport.gate)
	wg.Wait()
	assert.Equal(t, 2, transport.callCount())

	_, err := c.Do(context.Background(), &Request{Method: "POST", URL: "/api/claims", Body: []byte(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, 3, transport.callCount())
}

func TestCallerCancellationDoesNotCancelExchange(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	c := newCoordinator(t, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, &Request{URL: "/api/slow"})
		errs <- err
	}()

	require.Eventually(t, func() bool { return transport.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(transport.gate)
	require.Eventually(t, func() bool {
		_, err := c.Do(context.Background(), &Request{URL: "/api/slow"})
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, transport.callCount())
}

func TestPrefetchReportsOnTaskChannel(t *testing.T) {
	transport := newFakeTransport()
	c := newCoordinator(t, transport, nil)

	c.Prefetch("/api/dashboard")

	select {
	case event := <-c.Tasks().Events():
		assert.Equal(t, "prefetch:/api/dashboard", event.Name)
		assert.NoError(t, event.Err)
	case <-time.After(time.Second):
		t.Fatal("no task event")
	}

	_, err := c.Do(context.Background(), &Request{URL: "/api/dashboard"})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.callCount())
}

func TestStopFailsQueuedRequests(t *testing.T) {
	transport := newFakeTransport()
	transport.gate = make(chan struct{})

	c, err := NewCoordinator(context.Background(), &types.ClientConfig{MaxConcurrency: 1, DispatchDelay: time.Millisecond},
		transport, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	errs := make(chan error, 2)
	go func() {
		_, err := c.Do(context.Background(), &Request{URL: "/first"})
		errs <- err
	}()
	require.Eventually(t, func() bool { return transport.callCount() == 1 }, time.Second, time.Millisecond)

	go func() {
		_, err := c.Do(context.Background(), &Request{URL: "/second"})
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.queueLen() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())

	for i := 0; i < 2; i++ {
		err := <-errs
		var reqErr *RequestError
		assert.ErrorAs(t, err, &reqErr)
	}

	_, err = c.Do(context.Background(), &Request{URL: "/third"})
	assert.ErrorIs(t, err, types.ErrClientStopped)
}
