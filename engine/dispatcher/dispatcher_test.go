package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendClassifiesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Options{})
	outcome := d.Send(context.Background(), srv.URL)
	require.Equal(t, Success, outcome)
}

func TestSendClassifiesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := New(Options{})
	outcome := d.Send(context.Background(), srv.URL)
	require.Equal(t, RateLimited, outcome)
}

func TestSendClassifiesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(Options{})
	outcome := d.Send(context.Background(), srv.URL)
	require.Equal(t, Error, outcome)
}

func TestSendClassifiesTransportFailureAsError(t *testing.T) {
	d := New(Options{})
	outcome := d.Send(context.Background(), "http://127.0.0.1:1")
	require.Equal(t, Error, outcome)
}

func TestConcurrencyCapBoundsInFlight(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxSeen := 0
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Options{Concurrency: 2})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Send(context.Background(), srv.URL)
		}()
	}
	// Let the first wave of requests reach the handler and block.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxSeen, 2)
}
