package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/logging"
	"github.com/bobarin/reelforge/internal/media"
	"github.com/bobarin/reelforge/internal/models"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/bobarin/reelforge/internal/services"
	"github.com/bobarin/reelforge/internal/storage"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"
)

// maxConcurrentUploads caps artifact uploads across all queues.
const maxConcurrentUploads = 4

// VideoProvider starts and downloads provider video operations.
type VideoProvider interface {
	Model(fast bool) string
	Generation(req services.GenerationRequest) poller.Operation[*genai.Video]
	Extension(req services.ExtensionRequest) poller.Operation[*genai.Video]
	Download(ctx context.Context, v *genai.Video) ([]byte, error)
}

type FaceAnalyzer interface {
	AnalyzeFace(ctx context.Context, image []byte, mimeType, characterName string) (*services.FaceAnalysis, error)
}

type PromptEnhancer interface {
	EnhancePrompt(ctx context.Context, prompt, style, mood string, variations bool) (*services.Enhancement, error)
}

type Assembler interface {
	Stitch(ctx context.Context, req media.StitchRequest, output string) (*media.StitchResult, error)
	Export(ctx context.Context, req media.ExportRequest, output string) (*media.ExportResult, error)
}

type Fetcher interface {
	FetchBytes(ctx context.Context, src string) ([]byte, string, error)
}

// Deps are the collaborators the work functions call. Nil providers make
// their job types fail as terminal.
type Deps struct {
	Video   VideoProvider
	Faces   FaceAnalyzer
	Prompts PromptEnhancer
	Media   Assembler
	Fetcher Fetcher
	Storage storage.Uploader
}

type Config struct {
	VideoConcurrency   int
	FaceConcurrency    int
	DefaultConcurrency int
	Poll               poller.Config
	WorkDir            string
	ShutdownTimeout    time.Duration
	// StaleJobAfter is how long a processing job may go without an update
	// before the sweep fails and refunds it. Zero disables the sweep.
	StaleJobAfter     time.Duration
	ReconcileInterval time.Duration
}

type Worker struct {
	dispatcher *dispatch.Dispatcher
	deps       Deps
	cfg        Config
	uploadSem  chan struct{}
	log        zerolog.Logger
}

func New(d *dispatch.Dispatcher, deps Deps, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	log := logging.Component(logger, "worker")
	cfg.Poll.Logger = log
	return &Worker{
		dispatcher: d,
		deps:       deps,
		cfg:        cfg,
		uploadSem:  make(chan struct{}, maxConcurrentUploads),
		log:        log,
	}
}

// WorkFor returns the work function for a job type.
func (w *Worker) WorkFor(t models.JobType) dispatch.WorkFunc {
	switch t {
	case models.JobTypeVideoGeneration:
		return w.generateVideo
	case models.JobTypeVideoExtension:
		return w.extendVideo
	case models.JobTypeFaceAnalysis:
		return w.analyzeFace
	case models.JobTypePromptEnhancement:
		return w.enhancePrompt
	case models.JobTypeVideoStitch:
		return w.stitchVideos
	case models.JobTypeVideoExport:
		return w.exportVideo
	}
	return func(context.Context, *dispatch.Run, *models.Task) (models.JSONB, error) {
		return nil, fmt.Errorf("no work function for job type %q", t)
	}
}

// Mux routes every job type to its dispatcher-wrapped work function.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, t := range models.AllJobTypes {
		mux.Handle(queue.TaskType(t), w.dispatcher.Handler(w.WorkFor(t)))
	}
	return mux
}

// Run starts one asynq server per queue and blocks until ctx is canceled,
// then shuts them all down, letting in-flight tasks finish within the
// shutdown timeout.
func (w *Worker) Run(ctx context.Context, rdb redis.UniversalClient) error {
	mux := w.Mux()
	pools := []struct {
		name        string
		concurrency int
	}{
		{queue.QueueVideo, w.cfg.VideoConcurrency},
		{queue.QueueFace, w.cfg.FaceConcurrency},
		{queue.QueueDefault, w.cfg.DefaultConcurrency},
	}

	var servers []*asynq.Server
	shutdown := func() {
		var g errgroup.Group
		for _, srv := range servers {
			g.Go(func() error {
				srv.Shutdown()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, p := range pools {
		qlog := w.log.With().Str("queue", p.name).Logger()
		srv := asynq.NewServerFromRedisClient(rdb, asynq.Config{
			Concurrency:     max(p.concurrency, 1),
			Queues:          map[string]int{p.name: 1},
			RetryDelayFunc:  w.dispatcher.RetryDelay,
			ShutdownTimeout: w.cfg.ShutdownTimeout,
			Logger:          logging.AsynqLogger{Logger: logging.Component(qlog, "asynq")},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
				if errors.Is(err, asynq.SkipRetry) {
					return
				}
				id, _ := asynq.GetTaskID(ctx)
				qlog.Debug().Err(err).Str("task_id", id).Str("task_type", t.Type()).Msg("task will be retried")
			}),
		})
		if err := srv.Start(mux); err != nil {
			shutdown()
			return fmt.Errorf("failed to start %s queue server: %w", p.name, err)
		}
		servers = append(servers, srv)
		qlog.Info().Int("concurrency", p.concurrency).Msg("queue server started")
	}

	swept := make(chan struct{})
	go func() {
		defer close(swept)
		w.sweepStaleJobs(ctx)
	}()

	<-ctx.Done()
	w.log.Info().Msg("worker shutting down")
	<-swept
	shutdown()
	w.log.Info().Msg("worker stopped")
	return nil
}

// sweepStaleJobs reconciles stuck jobs every ReconcileInterval until ctx is
// canceled.
func (w *Worker) sweepStaleJobs(ctx context.Context) {
	if w.cfg.StaleJobAfter <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.dispatcher.Reconcile(ctx, w.cfg.StaleJobAfter)
			if err != nil {
				w.log.Error().Err(err).Msg("stale job sweep failed")
				continue
			}
			if n > 0 {
				w.log.Warn().Int("jobs", n).Msg("stale jobs settled")
			}
		}
	}
}

// uploadWithLimit waits for an upload slot so bursts of finished jobs do not
// saturate the storage backend.
func (w *Worker) uploadWithLimit(ctx context.Context, key, localPath, contentType string) (string, error) {
	if w.deps.Storage == nil {
		return "", errors.New("artifact storage is not configured")
	}

	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	w.log.Debug().Str("key", key).Msg("uploading artifact")
	return w.deps.Storage.UploadFile(ctx, key, localPath, contentType)
}
