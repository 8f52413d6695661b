package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/dispatch/dispatchtest"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeInspector struct{ stats []queue.Stats }

func (f fakeInspector) AllStats(context.Context) ([]queue.Stats, error) { return f.stats, nil }

type testServer struct {
	handler http.Handler
	store   *dispatchtest.JobStore
	queue   *dispatchtest.Queue
	userID  uuid.UUID
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	credit := ledger.NewMemoryStore()
	userID := uuid.New()
	end := time.Now().Add(24 * time.Hour)
	credit.Put(models.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           "starter",
		Status:           models.SubscriptionStatusActive,
		CreditsBalance:   30,
		CreditsTotal:     30,
		CurrentPeriodEnd: &end,
	})
	l := ledger.New(credit, zerolog.Nop())

	store := dispatchtest.NewJobStore()
	q := &dispatchtest.Queue{}
	d := dispatch.New(store, q, l, nil, dispatch.Config{Owner: "api-test", MaxQueueDepth: 10}, zerolog.Nop())

	inspector := fakeInspector{stats: []queue.Stats{
		{Queue: queue.QueueVideo, Pending: 2, Active: 1, Archived: 4},
	}}
	h := NewHandler(d, store, l, inspector, zerolog.Nop())
	return &testServer{
		handler: NewRouter(h, RouterConfig{BackendAPIKey: apiKey, Logger: zerolog.Nop()}),
		store:   store,
		queue:   q,
		userID:  userID,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) submitBody(typ models.JobType, params string) string {
	return `{"node_id":"` + uuid.NewString() + `","project_id":"` + uuid.NewString() +
		`","user_id":"` + s.userID.String() + `","type":"` + string(typ) + `","params":` + params + `}`
}

var fixedJobID = uuid.MustParse("3b7e4f52-2c1d-4d8e-9a61-5f0c2b9e7d10")

func (s *testServer) duplicateBody() string {
	return `{"job_id":"` + fixedJobID.String() + `","node_id":"` + uuid.NewString() +
		`","project_id":"` + uuid.NewString() + `","user_id":"` + s.userID.String() +
		`","type":"face_analysis","params":{"image_url":"https://img/a.png"}}`
}

func TestSubmitJobAccepted(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/v1/jobs", s.submitBody(models.JobTypeVideoGeneration, `{"prompt":"sunrise"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var view models.JobView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != models.JobStatusPending || view.JobID == uuid.Nil {
		t.Errorf("unexpected view %+v", view)
	}

	rec = s.do(t, http.MethodGet, "/v1/jobs/"+view.JobID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/nodes/"+view.NodeID.String()+"/jobs", "")
	var views []models.JobView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil || len(views) != 1 {
		t.Errorf("expected one node job, got %v (%v)", views, err)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *testServer)
		body  func(s *testServer) string
		want  int
	}{
		{
			name: "insufficient credits",
			body: func(s *testServer) string {
				// 25 + 25 exceeds the 30 credit balance on the second call.
				return s.submitBody(models.JobTypeVideoGeneration, `{"prompt":"x"}`)
			},
			setup: func(t *testing.T, s *testServer) {
				s.do(t, http.MethodPost, "/v1/jobs", s.submitBody(models.JobTypeVideoGeneration, `{"prompt":"x"}`))
			},
			want: http.StatusPaymentRequired,
		},
		{
			name: "duplicate job id",
			setup: func(t *testing.T, s *testServer) {
				s.do(t, http.MethodPost, "/v1/jobs", s.duplicateBody())
			},
			body: func(s *testServer) string { return s.duplicateBody() },
			want: http.StatusConflict,
		},
		{
			name: "queue full",
			setup: func(t *testing.T, s *testServer) {
				s.queue.Depths = map[string]int{queue.QueueFace: 10}
			},
			body: func(s *testServer) string {
				return s.submitBody(models.JobTypeFaceAnalysis, `{"image_url":"https://img/a.png"}`)
			},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "invalid params",
			body: func(s *testServer) string {
				return s.submitBody(models.JobTypeVideoStitch, `{"source_urls":["only-one.mp4"]}`)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unsupported output format",
			body: func(s *testServer) string {
				return s.submitBody(models.JobTypeVideoStitch, `{"source_urls":["a.mp4","b.mp4"],"output_format":"webm"}`)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown type",
			body: func(s *testServer) string { return s.submitBody("teleport", `{}`) },
			want: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			body: func(*testServer) string { return `{"node_id":` },
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, "")
			if tt.setup != nil {
				tt.setup(t, s)
			}
			rec := s.do(t, http.MethodPost, "/v1/jobs", tt.body(s))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t, "")
	if rec := s.do(t, http.MethodGet, "/v1/jobs/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreditViews(t *testing.T) {
	s := newTestServer(t, "")
	s.do(t, http.MethodPost, "/v1/jobs", s.submitBody(models.JobTypeFaceAnalysis, `{"image_url":"https://img/a.png"}`))

	rec := s.do(t, http.MethodGet, "/v1/users/"+s.userID.String()+"/credits", "")
	var sub models.Subscription
	if err := json.NewDecoder(rec.Body).Decode(&sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.CreditsBalance != 25 {
		t.Errorf("expected balance 25 after face analysis, got %d", sub.CreditsBalance)
	}

	rec = s.do(t, http.MethodGet, "/v1/users/"+s.userID.String()+"/credits/transactions?limit=10", "")
	var txns []models.CreditTransaction
	if err := json.NewDecoder(rec.Body).Decode(&txns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(txns) != 1 || txns[0].Amount != -5 {
		t.Errorf("expected one -5 deduction, got %+v", txns)
	}

	if rec := s.do(t, http.MethodGet, "/v1/users/"+uuid.NewString()+"/credits", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/users/"+s.userID.String()+"/credits/transactions?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestListQueues(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.do(t, http.MethodGet, "/v1/queues", "")

	var got []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["queue"] != queue.QueueVideo || got[0]["depth"] != float64(3) {
		t.Errorf("unexpected queues response %v", got)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(t, "secret")

	if rec := s.do(t, http.MethodGet, "/v1/queues", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer key, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must not require a key, got %d", rec.Code)
	}
}
