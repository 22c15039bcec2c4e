package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedNode struct {
	status atomic.Int32
}

func newScriptedNode(status int) (*scriptedNode, *httptest.Server) {
	node := &scriptedNode{}
	node.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/network" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(node.status.Load()))
	}))
	return node, srv
}

func newSelector(t *testing.T, localURL, publicURL string, threshold int, breakerTimeout time.Duration) *Selector {
	t.Helper()
	return NewSelector(Config{
		LocalNodeURL:     localURL,
		PublicAPIURL:     publicURL,
		CheckInterval:    10 * time.Millisecond,
		LocalTimeout:     time.Second,
		PublicTimeout:    time.Second,
		FailureThreshold: threshold,
		BreakerTimeout:   breakerTimeout,
	})
}

func TestSelectorStaysLocalWhileHealthy(t *testing.T) {
	_, local := newScriptedNode(http.StatusOK)
	defer local.Close()
	_, public := newScriptedNode(http.StatusOK)
	defer public.Close()

	s := newSelector(t, local.URL, public.URL, 5, time.Minute)
	s.tick(context.Background())

	if s.Mode() != ModeLocal {
		t.Fatalf("expected local mode, got %s", s.Mode())
	}
	if s.Hibernating() {
		t.Fatalf("expected not hibernating")
	}
}

func TestSelectorFallsBackToPublic(t *testing.T) {
	_, local := newScriptedNode(http.StatusInternalServerError)
	defer local.Close()
	_, public := newScriptedNode(http.StatusOK)
	defer public.Close()

	s := newSelector(t, local.URL, public.URL, 5, time.Minute)
	s.tick(context.Background())

	if s.Mode() != ModePublic {
		t.Fatalf("expected public mode after local failure, got %s", s.Mode())
	}
	if s.Hibernating() {
		t.Fatalf("fallback to public must not hibernate")
	}
	// Breaker saw one failure then one success in the same tick.
	if s.Breaker().Failures() != 0 {
		t.Fatalf("expected breaker reset by public success, got %d failures", s.Breaker().Failures())
	}
}

func TestSelectorHibernatesWhenBothFail(t *testing.T) {
	_, local := newScriptedNode(http.StatusServiceUnavailable)
	defer local.Close()
	_, public := newScriptedNode(http.StatusServiceUnavailable)
	defer public.Close()

	s := newSelector(t, local.URL, public.URL, 5, time.Minute)
	s.tick(context.Background())

	if s.Mode() != ModeHibernation {
		t.Fatalf("expected hibernation after both probes failed, got %s", s.Mode())
	}
	if !s.Hibernating() {
		t.Fatalf("expected hibernation flag set")
	}
}

func TestSelectorRecoversViaPublic(t *testing.T) {
	_, local := newScriptedNode(http.StatusServiceUnavailable)
	defer local.Close()
	publicNode, public := newScriptedNode(http.StatusServiceUnavailable)
	defer public.Close()

	s := newSelector(t, local.URL, public.URL, 5, 20*time.Millisecond)
	s.tick(context.Background())
	if !s.Hibernating() {
		t.Fatalf("expected hibernation after dual failure")
	}

	publicNode.status.Store(http.StatusOK)
	s.tick(context.Background())

	if s.Mode() != ModePublic {
		t.Fatalf("expected recovery to public mode, got %s", s.Mode())
	}
	if s.Hibernating() {
		t.Fatalf("expected hibernation flag cleared after recovery")
	}
}

func TestSelectorBreakerForcesHibernation(t *testing.T) {
	_, local := newScriptedNode(http.StatusServiceUnavailable)
	defer local.Close()
	_, public := newScriptedNode(http.StatusServiceUnavailable)
	defer public.Close()

	// Threshold 2: the first tick records two failures and opens the breaker.
	s := newSelector(t, local.URL, public.URL, 2, time.Hour)
	s.tick(context.Background())
	if s.Breaker().State().String() != "open" {
		t.Fatalf("expected open breaker, got %s", s.Breaker().State())
	}

	// Next tick short-circuits on the breaker without probing.
	s.tick(context.Background())
	if s.Mode() != ModeHibernation || !s.Hibernating() {
		t.Fatalf("expected forced hibernation, got mode=%s hibernating=%t", s.Mode(), s.Hibernating())
	}
}

func TestSelectorProbeTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()
	_, public := newScriptedNode(http.StatusOK)
	defer public.Close()

	s := NewSelector(Config{
		LocalNodeURL:     slow.URL,
		PublicAPIURL:     public.URL,
		CheckInterval:    10 * time.Millisecond,
		LocalTimeout:     20 * time.Millisecond,
		PublicTimeout:    time.Second,
		FailureThreshold: 5,
		BreakerTimeout:   time.Minute,
	})
	s.tick(context.Background())

	if s.Mode() != ModePublic {
		t.Fatalf("expected timeout treated as failure with fallback, got %s", s.Mode())
	}
}

func TestSelectorStartStopIdempotent(t *testing.T) {
	_, local := newScriptedNode(http.StatusOK)
	defer local.Close()
	_, public := newScriptedNode(http.StatusOK)
	defer public.Close()

	s := newSelector(t, local.URL, public.URL, 5, time.Minute)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // no-op
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // no-op

	if s.Mode() != ModeLocal {
		t.Fatalf("expected healthy loop to stay local, got %s", s.Mode())
	}
}
