package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tfshome/tfsctl/internal/analysis"
	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/logging"
)

func TestTaskProber_ConvergesThroughAPI(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/42/" {
			http.NotFound(w, r)
			return
		}
		if probes.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"id":42,"title":"Plan sprint","is_prioritized":false,"analysis_status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":42,"title":"Plan sprint","is_prioritized":true,"quadrant":"Q2","priority_score":6.5}`))
	}))
	defer srv.Close()

	client, err := api.New(srv.URL+"/api/v1", api.WithHTTPClient(srv.Client()), api.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	s, rec := newScheduler(t, TaskProber{Client: client}, fastConfig())

	h, err := s.Watch("42", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	e := h.Entity()
	if e.Status != analysis.StatusCompleted || e.Attempts != 3 {
		t.Fatalf("entity = %+v, want COMPLETED at attempt 3", e)
	}
	if e.Task == nil || e.Task.Quadrant != api.QuadrantSchedule {
		t.Errorf("Task = %+v, want latest representation", e.Task)
	}
	if got := rec.path(); !equalPath(got, "PENDING>ANALYZING", "ANALYZING>COMPLETED") {
		t.Errorf("transitions = %v", got)
	}
}

func TestTaskProber_BadID(t *testing.T) {
	client, _ := api.New("http://localhost:1")
	if _, err := (TaskProber{Client: client}).Probe(context.Background(), "tmp-1"); err == nil {
		t.Fatal("Probe(non-numeric id) = nil error")
	}
}

func TestCreateAndWatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":8,"title":"Book flights","is_prioritized":false}`))
	})
	mux.HandleFunc("/api/v1/tasks/8/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":8,"title":"Book flights","analysis_status":"failed","analysis_error":"scoring timeout"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := api.New(srv.URL+"/api/v1", api.WithHTTPClient(srv.Client()), api.WithLogger(logging.Discard()))
	s, _ := newScheduler(t, TaskProber{Client: client}, fastConfig())

	task, h, err := CreateAndWatch(context.Background(), s, client, api.TaskInput{Title: "Book flights"}, nil)
	if err != nil {
		t.Fatalf("CreateAndWatch() error = %v", err)
	}
	if task.ID != 8 || h.ID() != "8" {
		t.Fatalf("task = %+v, handle id = %s", task, h.ID())
	}
	waitDone(t, h)
	if e := h.Entity(); e.Status != analysis.StatusFailed || e.Reason != "scoring timeout" {
		t.Errorf("entity = %+v, want FAILED: scoring timeout", e)
	}
}
