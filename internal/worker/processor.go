package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"visionsync/internal/encoder"
	"visionsync/internal/objectstore"
	"visionsync/internal/observability/metrics"
)

const defaultUploadConcurrency = 4

// ObjectStore is the slice of the object gateway the worker needs.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) error
}

// Transcoder runs the encode for one input file.
type Transcoder interface {
	Run(ctx context.Context, input, outputDir string) error
}

// Processor executes one transcode job end to end.
type Processor struct {
	cfg      Config
	store    ObjectStore
	encode   Transcoder
	notifier *Notifier
	logger   *slog.Logger
	recorder *metrics.Recorder
	parallel int
}

// Option mutates processor construction.
type Option func(*Processor)

// WithTranscoder overrides the ffmpeg-backed encoder, for tests.
func WithTranscoder(t Transcoder) Option {
	return func(p *Processor) { p.encode = t }
}

// WithNotifier overrides the webhook client.
func WithNotifier(n *Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithRecorder overrides the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// WithUploadConcurrency caps parallel rendition uploads.
func WithUploadConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.parallel = n
		}
	}
}

// New builds a Processor for the given job.
func New(cfg Config, store ObjectStore, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("object store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("video_id", cfg.VideoID),
		recorder: metrics.Default(),
		parallel: defaultUploadConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.encode == nil {
		p.encode = encoder.New(cfg.EncoderSettings(), p.logger)
	}
	if p.notifier == nil {
		p.notifier = NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, p.logger)
	}
	return p, nil
}

// Process downloads the raw upload, encodes it, uploads the renditions, and
// reports the outcome. The webhook is notified on failure too so the record
// does not sit in processing forever.
func (p *Processor) Process(ctx context.Context) error {
	tier := p.cfg.Tier()
	p.recorder.TranscodeJobStarted(tier)
	started := time.Now()

	err := p.run(ctx)
	if err != nil {
		p.recorder.TranscodeJobFailed(tier)
		p.logger.Error("transcode job failed", "error", err, "elapsed", time.Since(started).Round(time.Second).String())
		p.reportFailure(ctx, err)
		return err
	}

	p.recorder.TranscodeJobCompleted(tier)
	p.logger.Info("transcode job completed", "elapsed", time.Since(started).Round(time.Second).String())
	return nil
}

func (p *Processor) run(ctx context.Context) error {
	workDir := filepath.Join(p.cfg.TempDir, p.cfg.VideoID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("work dir cleanup failed", "dir", workDir, "error", err)
		}
	}()

	inputPath, err := p.download(ctx, workDir)
	if err != nil {
		return err
	}

	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := p.encode.Run(ctx, inputPath, outputDir); err != nil {
		return err
	}

	uploaded, err := p.uploadOutputs(ctx, outputDir)
	if err != nil {
		return err
	}
	p.logger.Info("renditions uploaded", "objects", uploaded, "bucket", p.cfg.OutputBucket)

	return p.notifier.Notify(ctx, Outcome{
		VideoID:        p.cfg.VideoID,
		Status:         "ready",
		ManifestURL:    p.manifestURL(),
		InstanceType:   p.cfg.InstanceType,
		ProcessingMode: p.cfg.Tier(),
	})
}

func (p *Processor) download(ctx context.Context, workDir string) (string, error) {
	body, err := p.store.Get(ctx, p.cfg.VideoBucket, p.cfg.VideoFileName)
	if err != nil {
		return "", fmt.Errorf("fetch raw upload: %w", err)
	}
	defer body.Close()

	inputPath := filepath.Join(workDir, "source"+filepath.Ext(p.cfg.VideoFileName))
	file, err := os.Create(inputPath)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	written, err := io.Copy(file, body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("write input file: %w", err)
	}
	p.logger.Info("raw upload downloaded", "bytes", written, "key", p.cfg.VideoFileName)
	return inputPath, nil
}

// uploadOutputs pushes every file the encoder produced, a few at a time. The
// key layout mirrors the output directory under the video's prefix so the
// manifest's relative segment references resolve.
func (p *Processor) uploadOutputs(ctx context.Context, outputDir string) (int, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.parallel)

	count := 0
	err := filepath.WalkDir(outputDir, func(filePath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, filePath)
		if err != nil {
			return err
		}
		key := path.Join(p.cfg.VideoID, filepath.ToSlash(rel))
		count++
		group.Go(func() error {
			file, err := os.Open(filePath)
			if err != nil {
				return fmt.Errorf("open rendition %s: %w", rel, err)
			}
			defer file.Close()
			if err := p.store.Put(groupCtx, p.cfg.OutputBucket, key, file); err != nil {
				return fmt.Errorf("upload rendition %s: %w", key, err)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		_ = group.Wait()
		return 0, fmt.Errorf("walk output dir: %w", err)
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("encoder produced no output files")
	}
	return count, nil
}

// manifestURL resolves the manifest location reported in the ready webhook.
// Without a public base the relative object key is reported so the record
// still points at the manifest inside the output bucket.
func (p *Processor) manifestURL() string {
	key := objectstore.ManifestKey(p.cfg.VideoID)
	if p.cfg.PublicBaseURL == "" {
		return key
	}
	return strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + key
}

// reportFailure is best effort: the job already failed and the webhook error
// would otherwise mask the root cause.
func (p *Processor) reportFailure(ctx context.Context, cause error) {
	// The job context may already be cancelled or past its deadline.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	outcome := Outcome{
		VideoID:        p.cfg.VideoID,
		Status:         "error",
		Error:          failureMessage(cause),
		InstanceType:   p.cfg.InstanceType,
		ProcessingMode: p.cfg.Tier(),
	}
	if err := p.notifier.Notify(notifyCtx, outcome); err != nil {
		p.logger.Error("failure webhook delivery failed", "error", err)
	}
}

// failureMessage keeps the stored error short and free of local paths.
func failureMessage(err error) string {
	var exitErr *encoder.ExitError
	switch {
	case err == nil:
		return "processing failed"
	case errors.Is(err, encoder.ErrTimeout):
		return "processing exceeded the time limit"
	case errors.As(err, &exitErr):
		return fmt.Sprintf("ffmpeg exited with code %d", exitErr.Code)
	default:
		return "processing failed: " + err.Error()
	}
}
