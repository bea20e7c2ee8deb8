package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"visionsync/internal/models"
)

const defaultQueryTimeout = 10 * time.Second

type postgresRepository struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	clock func() time.Time
}

const videoColumns = `id, title, description, filename, file_size, duration, status,
	thumbnail_url, video_url, manifest_url, error_message, created_at, updated_at`

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, clock: cfg.Clock}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultQueryTimeout)
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.Video{}, err
		}
		id = generated
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.Video{}, fmt.Errorf("filename is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = filename
	}

	now := r.clock()
	ctx, cancel := r.queryContext()
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO videos (id, title, description, filename, file_size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		id, title, strings.TrimSpace(params.Description), filename, params.FileSize,
		string(models.StatusUploading), now)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}

	return models.Video{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Filename:    filename,
		FileSize:    params.FileSize,
		Status:      models.StatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.queryContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.Video {
	return r.queryVideos(`SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC, id`, nil)
}

func (r *postgresRepository) ListVideosByStatus(status models.Status) []models.Video {
	return r.queryVideos(
		`SELECT `+videoColumns+` FROM videos WHERE status = $1 ORDER BY created_at DESC, id`,
		[]any{string(status)})
}

func (r *postgresRepository) SearchVideos(query string) []models.Video {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return r.ListVideos()
	}
	pattern := "%" + escapeLike(trimmed) + "%"
	return r.queryVideos(`
		SELECT `+videoColumns+` FROM videos
		WHERE title ILIKE $1 OR description ILIKE $1
		ORDER BY created_at DESC, id`,
		[]any{pattern})
}

func (r *postgresRepository) queryVideos(sql string, args []any) []models.Video {
	ctx, cancel := r.queryContext()
	defer cancel()

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return []models.Video{}
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return []models.Video{}
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	} else if err != nil {
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}

	if update.Title != nil {
		if trimmed := strings.TrimSpace(*update.Title); trimmed != "" {
			video.Title = trimmed
		}
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.ThumbnailURL != nil {
		video.ThumbnailURL = strings.TrimSpace(*update.ThumbnailURL)
	}
	video.UpdatedAt = r.clock()

	_, err = tx.Exec(ctx, `
		UPDATE videos SET title = $2, description = $3, thumbnail_url = $4, updated_at = $5
		WHERE id = $1`,
		id, video.Title, video.Description, nullable(video.ThumbnailURL), video.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) UpdateStatus(id string, update StatusUpdate) (models.Video, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	} else if err != nil {
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}

	if !models.CanTransition(video.Status, update.Status) {
		return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, video.Status, update.Status)
	}

	video.Status = update.Status
	if update.ManifestURL != nil {
		video.ManifestURL = strings.TrimSpace(*update.ManifestURL)
	}
	if update.VideoURL != nil {
		video.VideoURL = strings.TrimSpace(*update.VideoURL)
	}
	if update.Duration != nil && *update.Duration > 0 {
		video.Duration = *update.Duration
	}
	if update.ErrorMessage != nil {
		video.ErrorMessage = strings.TrimSpace(*update.ErrorMessage)
	}
	if update.Status != models.StatusError {
		video.ErrorMessage = ""
	}
	video.UpdatedAt = r.clock()

	_, err = tx.Exec(ctx, `
		UPDATE videos SET status = $2, manifest_url = $3, video_url = $4, duration = $5,
			error_message = $6, updated_at = $7
		WHERE id = $1`,
		id, string(video.Status), nullable(video.ManifestURL), nullable(video.VideoURL),
		nullableFloat(video.Duration), nullable(video.ErrorMessage), video.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit status update: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) (models.Video, error) {
	ctx, cancel := r.queryContext()
	defer cancel()

	row := r.pool.QueryRow(ctx, `DELETE FROM videos WHERE id = $1 RETURNING `+videoColumns, id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	} else if err != nil {
		return models.Video{}, fmt.Errorf("delete video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) Stats() models.VideoStats {
	ctx, cancel := r.queryContext()
	defer cancel()

	stats := models.VideoStats{ByStatus: make(map[models.Status]int, len(models.Statuses()))}
	for _, status := range models.Statuses() {
		stats.ByStatus[status] = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(file_size), 0)
		FROM videos GROUP BY status`)
	if err != nil {
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
			bytes  int64
		)
		if err := rows.Scan(&status, &count, &bytes); err != nil {
			return stats
		}
		parsed, err := models.ParseStatus(status)
		if err != nil {
			continue
		}
		stats.ByStatus[parsed] = count
		stats.Total += count
		stats.TotalBytes += bytes
	}
	return stats
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var (
		video        models.Video
		status       string
		description  *string
		duration     *float64
		thumbnailURL *string
		videoURL     *string
		manifestURL  *string
		errorMessage *string
	)
	err := row.Scan(
		&video.ID, &video.Title, &description, &video.Filename, &video.FileSize,
		&duration, &status, &thumbnailURL, &videoURL, &manifestURL, &errorMessage,
		&video.CreatedAt, &video.UpdatedAt)
	if err != nil {
		return models.Video{}, err
	}
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = parsed
	if description != nil {
		video.Description = *description
	}
	if duration != nil {
		video.Duration = *duration
	}
	if thumbnailURL != nil {
		video.ThumbnailURL = *thumbnailURL
	}
	if videoURL != nil {
		video.VideoURL = *videoURL
	}
	if manifestURL != nil {
		video.ManifestURL = *manifestURL
	}
	if errorMessage != nil {
		video.ErrorMessage = *errorMessage
	}
	return video, nil
}

func nullable(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func nullableFloat(value float64) *float64 {
	if value <= 0 {
		return nil
	}
	return &value
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
