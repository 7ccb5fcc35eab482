package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tfshome/tfsctl/internal/credstore"
	"github.com/tfshome/tfsctl/internal/logging"
	"github.com/tfshome/tfsctl/internal/refresh"
)

// fakeRefresher hands out a fixed token (or error) and counts calls.
type fakeRefresher struct {
	calls  atomic.Int32
	access string
	err    error
	store  credstore.Store
}

func (f *fakeRefresher) RequestRefresh(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if f.store != nil {
		_ = f.store.SetAccessOnly(f.access, time.Time{})
	}
	return f.access, nil
}

func storeWith(t *testing.T, access, refreshToken string) *credstore.MemoryStore {
	t.Helper()
	s := credstore.NewMemoryStore()
	if err := s.Set(credstore.Pair{Access: access, Refresh: refreshToken}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	return s
}

// bearerServer answers 200 only for "Bearer <valid>", 401 otherwise.
func bearerServer(t *testing.T, valid string, seen *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen.Add(1)
		}
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTrip_AttachesBearerAndRequestID(t *testing.T) {
	var gotAuth, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotID = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	tr := New(storeWith(t, "a1", "r1"), nil, WithLogger(logging.Discard()))
	resp, err := tr.Client().Get(srv.URL + "/api/v1/tasks/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer a1" {
		t.Errorf("Authorization = %q, want Bearer a1", gotAuth)
	}
	if gotID == "" {
		t.Error("X-Request-ID missing")
	}
}

func TestRoundTrip_UnauthenticatedWhenStoreEmpty(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer stale-from-caller")

	tr := New(credstore.NewMemoryStore(), nil, WithLogger(logging.Discard()))
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	if gotAuth != "" {
		t.Errorf("Authorization = %q, want none", gotAuth)
	}
	if req.Header.Get("Authorization") != "Bearer stale-from-caller" {
		t.Error("RoundTrip mutated the caller's request headers")
	}
}

func TestRoundTrip_RenewsOnceAndReplaysBody(t *testing.T) {
	store := storeWith(t, "stale", "r1")
	ref := &fakeRefresher{access: "fresh", store: store}
	srv := bearerServer(t, "fresh", nil)

	tr := New(store, ref, WithLogger(logging.Discard()))
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/tasks/", bytes.NewReader([]byte(`{"title":"write report"}`)))

	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"title":"write report"}` {
		t.Errorf("replayed body = %q", body)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestRoundTrip_SingleRetryBound(t *testing.T) {
	ref := &fakeRefresher{access: "still-wrong"}
	var seen atomic.Int32
	srv := bearerServer(t, "never-valid", &seen)

	tr := New(storeWith(t, "stale", "r1"), ref, WithLogger(logging.Discard()))
	resp, err := tr.Client().Get(srv.URL + "/api/v1/tasks/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 after the single retry", resp.StatusCode)
	}
	if got := ref.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := seen.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2 (original + one resend)", got)
	}
}

func TestRoundTrip_RenewalEndpointExcluded(t *testing.T) {
	ref := &fakeRefresher{access: "fresh"}
	srv := bearerServer(t, "fresh", nil)
	tr := New(storeWith(t, "stale", "r1"), ref, WithLogger(logging.Discard()))

	resp, err := tr.Client().Post(srv.URL+"/api/v1/auth/token/refresh/", "application/json", strings.NewReader(`{"refresh":"r1"}`))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := ref.calls.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0 for the renewal endpoint", got)
	}
}

func TestRoundTrip_SkipRenewalMarker(t *testing.T) {
	ref := &fakeRefresher{access: "fresh"}
	srv := bearerServer(t, "fresh", nil)
	tr := New(storeWith(t, "stale", "r1"), ref, WithLogger(logging.Discard()))

	req, _ := http.NewRequestWithContext(SkipRenewal(context.Background()), http.MethodPost, srv.URL+"/api/v1/auth/login/", nil)
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized || ref.calls.Load() != 0 {
		t.Errorf("status = %d, refresh calls = %d; want 401 and 0", resp.StatusCode, ref.calls.Load())
	}
}

func TestRoundTrip_NonReplayableBodyNotRenewed(t *testing.T) {
	ref := &fakeRefresher{access: "fresh"}
	srv := bearerServer(t, "fresh", nil)
	tr := New(storeWith(t, "stale", "r1"), ref, WithLogger(logging.Discard()))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/tasks/", io.NopCloser(strings.NewReader("stream")))
	req.GetBody = nil

	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized || ref.calls.Load() != 0 {
		t.Errorf("status = %d, refresh calls = %d; want 401 and 0", resp.StatusCode, ref.calls.Load())
	}
}

func TestRoundTrip_OtherFailuresBypassRenewal(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusInternalServerError, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		ref := &fakeRefresher{access: "fresh"}
		tr := New(storeWith(t, "a", "r"), ref, WithLogger(logging.Discard()))
		resp, err := tr.Client().Get(srv.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
		srv.Close()

		if resp.StatusCode != status {
			t.Errorf("status = %d, want %d passed through", resp.StatusCode, status)
		}
		if ref.calls.Load() != 0 {
			t.Errorf("status %d triggered renewal", status)
		}
	}
}

func TestRoundTrip_NetworkErrorBypassesRenewal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ref := &fakeRefresher{access: "fresh"}
	tr := New(storeWith(t, "a", "r"), ref, WithLogger(logging.Discard()))
	if _, err := tr.Client().Get(url); err == nil {
		t.Fatal("Get() against closed server = nil error")
	}
	if ref.calls.Load() != 0 {
		t.Error("network error triggered renewal")
	}
}

func TestRoundTrip_RenewalFailureWrapsBothErrors(t *testing.T) {
	renewalErr := &refresh.RenewalError{Cause: &refresh.EndpointError{StatusCode: 401}}
	ref := &fakeRefresher{err: renewalErr}
	srv := bearerServer(t, "fresh", nil)
	tr := New(storeWith(t, "stale", "r1"), ref, WithLogger(logging.Discard()))

	_, err := tr.Client().Get(srv.URL + "/api/v1/auth/user/")
	if err == nil {
		t.Fatal("Get() error = nil, want renewal failure")
	}
	if !errors.Is(err, refresh.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized (original 401)", err)
	}
	var rf *RenewalFailedError
	if !errors.As(err, &rf) || rf.StatusCode != http.StatusUnauthorized {
		t.Errorf("error = %v, want *RenewalFailedError with 401", err)
	}
}

// Five concurrent requests on an expired credential share one renewal and
// all succeed.
func TestRoundTrip_401StormSharesOneRenewal(t *testing.T) {
	const requests = 5

	var (
		renewals atomic.Int32
		arrived  sync.WaitGroup
	)
	arrived.Add(requests)
	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		renewals.Add(1)
		// Long enough for every 401 to join this renewal.
		time.Sleep(100 * time.Millisecond)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access":"fresh"}`))
	})
	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		// Hold every stale request until all of them are in flight.
		arrived.Done()
		<-allArrived
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := storeWith(t, "stale", "r1")
	coord := refresh.New(store,
		refresh.NewTokenClient(srv.URL+"/api/v1", srv.Client(), nil),
		refresh.WithLogger(logging.Discard()),
	)
	client := New(store, coord, WithLogger(logging.Discard())).Client()

	var wg sync.WaitGroup
	statuses := make([]int, requests)
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/api/v1/tasks/")
			if err != nil {
				errs[i] = err
				return
			}
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
			continue
		}
		if statuses[i] != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, statuses[i])
		}
	}
	if got := renewals.Load(); got != 1 {
		t.Errorf("renewal exchanges = %d, want 1", got)
	}
	if pair := store.Get(); pair == nil || pair.Access != "fresh" || pair.Refresh != "r1" {
		t.Errorf("stored pair = %+v, want fresh/r1", pair)
	}
}

func TestRoundTrip_ResendsWithAlreadyRenewedCredential(t *testing.T) {
	store := storeWith(t, "stale", "r1")
	ref := &fakeRefresher{access: "unused", store: store}

	var seen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Add(1)
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`ok`))
			return
		}
		// Another request renews while this one is in flight.
		_ = store.SetAccessOnly("fresh", time.Time{})
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	resp, err := New(store, ref, WithLogger(logging.Discard())).Client().Get(srv.URL + "/api/v1/tasks/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := ref.calls.Load(); got != 0 {
		t.Errorf("RequestRefresh() calls = %d, want 0", got)
	}
	if got := seen.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

// Stale requests whose 401s arrive one by one, each after the previous
// renewal already finished, still cost a single exchange against a backend
// that rotates and blacklists refresh credentials.
func TestRoundTrip_StaggeredUnauthorizedSharesOneRenewal(t *testing.T) {
	const requests = 5

	var (
		renewals atomic.Int32
		order    atomic.Int32
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		renewals.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh"] != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access":"fresh","refresh":"r2"}`))
	})
	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		n := order.Add(1) - 1
		time.Sleep(time.Duration(n) * 40 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := storeWith(t, "stale", "r1")
	coord := refresh.New(store,
		refresh.NewTokenClient(srv.URL+"/api/v1", srv.Client(), nil),
		refresh.WithLogger(logging.Discard()),
	)
	client := New(store, coord, WithLogger(logging.Discard())).Client()

	var wg sync.WaitGroup
	statuses := make([]int, requests)
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/api/v1/tasks/")
			if err != nil {
				errs[i] = err
				return
			}
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()
	coord.Wait()

	for i := 0; i < requests; i++ {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
			continue
		}
		if statuses[i] != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, statuses[i])
		}
	}
	if got := renewals.Load(); got != 1 {
		t.Errorf("renewal exchanges = %d, want 1", got)
	}
	if pair := store.Get(); pair == nil || pair.Access != "fresh" || pair.Refresh != "r2" {
		t.Errorf("stored pair = %+v, want fresh/r2", pair)
	}
}

// A rejected refresh credential fails every pending request and logs out.
func TestRoundTrip_RenewalFailureCascadesToLogout(t *testing.T) {
	const requests = 3

	var arrived sync.WaitGroup
	arrived.Add(requests)
	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Token is blacklisted"}`))
	})
	mux.HandleFunc("/api/v1/goals/", func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		<-allArrived
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := storeWith(t, "stale", "revoked")
	loggedOut := make(chan struct{}, requests)
	coord := refresh.New(store,
		refresh.NewTokenClient(srv.URL+"/api/v1", srv.Client(), nil),
		refresh.WithLogger(logging.Discard()),
		refresh.WithOnSessionExpired(func(error) { loggedOut <- struct{}{} }),
	)
	client := New(store, coord, WithLogger(logging.Discard())).Client()

	var wg sync.WaitGroup
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/api/v1/goals/")
			if resp != nil {
				resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, refresh.ErrSessionExpired) {
			t.Errorf("request %d error = %v, want ErrSessionExpired", i, err)
		}
	}
	if store.Get() != nil {
		t.Error("store not cleared after failed renewal")
	}

	select {
	case <-loggedOut:
	case <-time.After(time.Second):
		t.Fatal("logout hook not called")
	}
	select {
	case <-loggedOut:
		t.Error("logout hook called more than once")
	case <-time.After(20 * time.Millisecond):
	}
}
