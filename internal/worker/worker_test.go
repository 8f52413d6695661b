package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/dispatch/dispatchtest"
	"github.com/bobarin/reelforge/internal/failure"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/media"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/bobarin/reelforge/internal/services"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// fakeOperation finishes on its first poll with the given outcome.
type fakeOperation struct {
	outcome poller.Outcome[*genai.Video]
	starts  int
}

func (o *fakeOperation) Start(context.Context) (string, error) {
	o.starts++
	return "operations/gen-1", nil
}

func (o *fakeOperation) Poll(context.Context, string) (poller.Outcome[*genai.Video], error) {
	return o.outcome, nil
}

type fakeVideo struct {
	op          *fakeOperation
	generations []services.GenerationRequest
	extensions  []services.ExtensionRequest
}

func (f *fakeVideo) Model(fast bool) string {
	if fast {
		return "veo-fast"
	}
	return "veo"
}

func (f *fakeVideo) Generation(req services.GenerationRequest) poller.Operation[*genai.Video] {
	f.generations = append(f.generations, req)
	return f.op
}

func (f *fakeVideo) Extension(req services.ExtensionRequest) poller.Operation[*genai.Video] {
	f.extensions = append(f.extensions, req)
	return f.op
}

func (f *fakeVideo) Download(_ context.Context, v *genai.Video) ([]byte, error) {
	return []byte("mp4 bytes"), nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) UploadFile(_ context.Context, key, localPath, _ string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "https://cdn.example/" + key, nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchBytes(context.Context, string) ([]byte, string, error) {
	return []byte{0x89, 'P', 'N', 'G'}, "image/png", nil
}

type fakeFaces struct{}

func (fakeFaces) AnalyzeFace(_ context.Context, image []byte, mime, name string) (*services.FaceAnalysis, error) {
	return &services.FaceAnalysis{
		FaceShape:              "oval",
		EyeColor:               "green",
		VideoPromptDescription: name + " with an oval face and green eyes",
	}, nil
}

type fakeAssembler struct{}

func (fakeAssembler) Stitch(_ context.Context, req media.StitchRequest, output string) (*media.StitchResult, error) {
	if err := os.WriteFile(output, []byte("stitched"), 0o644); err != nil {
		return nil, err
	}
	return &media.StitchResult{Duration: 14.46, Segments: len(req.Sources), Transitions: []media.Transition{"cut", "fade"}}, nil
}

func (fakeAssembler) Export(_ context.Context, req media.ExportRequest, output string) (*media.ExportResult, error) {
	if err := os.WriteFile(output, []byte("exported"), 0o644); err != nil {
		return nil, err
	}
	return &media.ExportResult{Platform: req.Platform, Width: 1080, Height: 1920, Duration: 60, Trimmed: true}, nil
}

type testEnv struct {
	store    *dispatchtest.JobStore
	queue    *dispatchtest.Queue
	credit   *ledger.MemoryStore
	ledger   *ledger.Ledger
	d        *dispatch.Dispatcher
	w        *Worker
	video    *fakeVideo
	uploader *fakeUploader
	userID   uuid.UUID
}

func newTestEnv(t *testing.T, outcome poller.Outcome[*genai.Video]) *testEnv {
	t.Helper()
	credit := ledger.NewMemoryStore()
	userID := uuid.New()
	end := time.Now().Add(24 * time.Hour)
	credit.Put(models.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PlanID:           "pro",
		Status:           models.SubscriptionStatusActive,
		CreditsBalance:   100,
		CreditsTotal:     100,
		CurrentPeriodEnd: &end,
	})

	env := &testEnv{
		store:    dispatchtest.NewJobStore(),
		queue:    &dispatchtest.Queue{},
		credit:   credit,
		ledger:   ledger.New(credit, zerolog.Nop()),
		video:    &fakeVideo{op: &fakeOperation{outcome: outcome}},
		uploader: &fakeUploader{},
		userID:   userID,
	}
	env.d = dispatch.New(env.store, env.queue, env.ledger, nil, dispatch.Config{Owner: "test", MaxRetry: 3}, zerolog.Nop())
	env.w = New(env.d, Deps{
		Video:   env.video,
		Faces:   fakeFaces{},
		Media:   fakeAssembler{},
		Fetcher: fakeFetcher{},
		Storage: env.uploader,
	}, Config{
		Poll:    poller.Config{Interval: time.Millisecond, MaxWait: time.Second},
		WorkDir: t.TempDir(),
	}, zerolog.Nop())
	return env
}

func (e *testEnv) run(t *testing.T, typ models.JobType, params string) (*models.Job, int, error) {
	t.Helper()
	job, err := e.d.Submit(context.Background(), dispatch.SubmitRequest{
		NodeID:    uuid.New(),
		ProjectID: uuid.New(),
		UserID:    e.userID,
		Type:      typ,
		Params:    json.RawMessage(params),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task, err := dispatchtest.Deliver(e.queue.Tasks[len(e.queue.Tasks)-1])
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	attempts, err := dispatchtest.Drive(context.Background(), e.w.Mux(), task, 3)
	return e.store.Job(job.ID), attempts, err
}

func (e *testEnv) balance(t *testing.T) int {
	t.Helper()
	sub, err := e.ledger.Balance(context.Background(), e.userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return sub.CreditsBalance
}

func TestSafetyBlockedGenerationRefundsWithoutRetry(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{
		Done: true,
		Err:  errors.New("video blocked by safety filters: 1 video(s) filtered"),
	})

	job, attempts, err := env.run(t, models.JobTypeVideoGeneration, `{"prompt":"a crowded street"}`)

	if attempts != 1 || env.video.op.starts != 1 {
		t.Errorf("expected a single attempt, got %d attempts and %d starts", attempts, env.video.op.starts)
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Error == nil || *job.Error == "" {
		t.Error("expected a user-visible error")
	}

	var refunds []models.CreditTransaction
	for _, txn := range env.credit.Transactions(env.userID) {
		if txn.Type == models.TransactionRefund {
			refunds = append(refunds, txn)
		}
	}
	if len(refunds) != 1 || refunds[0].Amount != 25 {
		t.Fatalf("expected one +25 refund, got %+v", refunds)
	}
	if got := env.balance(t); got != 100 {
		t.Errorf("expected balance 100, got %d", got)
	}
}

func TestGenerationStoresVideo(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{
		Done:   true,
		Result: &genai.Video{URI: "https://generativelanguage.googleapis.com/v1beta/files/abc123:download?alt=media"},
	})

	job, attempts, err := env.run(t, models.JobTypeVideoGeneration,
		`{"prompt":"a fox","image_url":"https://img/fox.png","use_fast_model":true,"aspect_ratio":"9:16"}`)
	if err != nil || attempts != 1 {
		t.Fatalf("expected success, got %d attempts, %v", attempts, err)
	}
	if job.Status != models.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("expected completed at 100, got %s at %d", job.Status, job.Progress)
	}

	r := job.Result
	if r["generation_type"] != generationImageToVideo {
		t.Errorf("generation_type = %v", r["generation_type"])
	}
	if r["veo_video_name"] != "files/abc123" {
		t.Errorf("veo_video_name = %v", r["veo_video_name"])
	}
	if r["operation_id"] != "operations/gen-1" {
		t.Errorf("operation_id = %v", r["operation_id"])
	}
	if r["model"] != "veo-fast" || r["aspect_ratio"] != "9:16" {
		t.Errorf("unexpected model/aspect: %v %v", r["model"], r["aspect_ratio"])
	}
	if len(env.uploader.keys) != 1 || r["storage_path"] != env.uploader.keys[0] {
		t.Errorf("expected one upload matching storage_path, got %v", env.uploader.keys)
	}
	if got := env.video.generations[0]; len(got.Image) == 0 || got.ImageMIMEType != "image/png" {
		t.Errorf("reference image not forwarded: %+v", got)
	}
	if got := env.balance(t); got != 90 {
		t.Errorf("fast generation costs 10, balance %d", got)
	}
}

func TestExtensionCountsRemaining(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{Done: true, Result: &genai.Video{URI: "files/ext"}})

	job, _, err := env.run(t, models.JobTypeVideoExtension,
		`{"prompt":"keep walking","veo_video_uri":"files/src","extension_count":19}`)
	if err != nil {
		t.Fatalf("extension: %v", err)
	}
	if job.Result["extension_count"] != 20 {
		t.Errorf("extension_count = %v", job.Result["extension_count"])
	}
	if job.Result["remaining_extensions"] != 0 {
		t.Errorf("remaining_extensions = %v", job.Result["remaining_extensions"])
	}
	if env.video.extensions[0].VideoURI != "files/src" {
		t.Errorf("source uri not forwarded: %+v", env.video.extensions[0])
	}
}

func TestFaceAnalysisResult(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{})

	job, _, err := env.run(t, models.JobTypeFaceAnalysis, `{"image_url":"https://img/face.png","character_name":"Ada"}`)
	if err != nil {
		t.Fatalf("face analysis: %v", err)
	}
	if job.Result["face_shape"] != "oval" || job.Result["character_name"] != "Ada" {
		t.Errorf("unexpected result %v", job.Result)
	}
	if got := env.balance(t); got != 95 {
		t.Errorf("face analysis costs 5, balance %d", got)
	}
}

func TestStitchAndExportUpload(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{})

	job, _, err := env.run(t, models.JobTypeVideoStitch,
		`{"source_urls":["a.mp4","b.mp4","c.mp4"],"transitions":["cut","fade"]}`)
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	if job.Result["segments"] != float64(3) || job.Result["video_url"] == nil {
		t.Errorf("unexpected stitch result %v", job.Result)
	}

	job, _, err = env.run(t, models.JobTypeVideoExport, `{"source_url":"https://cdn/x.mp4","platform":"tiktok"}`)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job.Result["platform"] != "tiktok" || job.Result["trimmed"] != true {
		t.Errorf("unexpected export result %v", job.Result)
	}
	if len(env.uploader.keys) != 2 {
		t.Errorf("expected two uploads, got %v", env.uploader.keys)
	}
	if got := env.balance(t); got != 100 {
		t.Errorf("media jobs are free, balance %d", got)
	}
}

func TestMissingProviderIsTerminal(t *testing.T) {
	env := newTestEnv(t, poller.Outcome[*genai.Video]{})
	env.w.deps.Prompts = nil

	job, attempts, _ := env.run(t, models.JobTypePromptEnhancement, `{"prompt":"x"}`)
	if attempts != 1 || job.Status != models.JobStatusFailed {
		t.Errorf("expected immediate failure, got %s after %d attempts", job.Status, attempts)
	}
}

func TestOutputFormatRejectsUnknown(t *testing.T) {
	ext, ct, err := outputFormat("mov")
	if err != nil || ext != ".mov" || ct != "video/quicktime" {
		t.Errorf("mov = %q %q %v", ext, ct, err)
	}
	if _, _, err := outputFormat("webm"); failure.KindOf(err) != failure.KindInvalid {
		t.Errorf("expected invalid for webm, got %v", err)
	}
}

func TestVideoName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://host/v1beta/files/abc:download?alt=media", "files/abc"},
		{"files/xyz", "files/xyz"},
		{"gs://bucket/video.mp4", ""},
	}
	for _, tt := range tests {
		if got := videoName(tt.in); got != tt.want {
			t.Errorf("videoName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
