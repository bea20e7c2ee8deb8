package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"visionsync/internal/models"
)

type dataset struct {
	Videos map[string]models.Video `json:"videos"`
}

// Storage is the JSON-file-backed datastore used for local development and
// tests. Mutations are persisted atomically; persist failures roll the
// in-memory state back so readers never observe half-written records.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

func newDataset() dataset {
	return dataset{Videos: make(map[string]models.Video)}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
}

// NewStorage opens or creates the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing file remains writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}

// Close flushes the current dataset to disk.
func (s *Storage) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureDatasetInitializedLocked()

	id := strings.TrimSpace(params.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.Video{}, err
		}
		id = generated
	}
	if _, exists := s.data.Videos[id]; exists {
		return models.Video{}, fmt.Errorf("video %s already exists", id)
	}

	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.Video{}, fmt.Errorf("filename is required")
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = filename
	}

	now := s.clock()
	video := models.Video{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(params.Description),
		Filename:    filename,
		FileSize:    params.FileSize,
		Status:      models.StatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.data.Videos[id]
	return video, ok
}

func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sortVideos(videos)
	return videos
}

func (s *Storage) ListVideosByStatus(status models.Status) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status != status {
			continue
		}
		videos = append(videos, video)
	}
	sortVideos(videos)
	return videos
}

// SearchVideos matches the query case-insensitively against title and
// description using Unicode case folding.
func (s *Storage) SearchVideos(query string) []models.Video {
	folded := cases.Fold().String(strings.TrimSpace(query))
	if folded == "" {
		return s.ListVideos()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fold := cases.Fold()
	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if strings.Contains(fold.String(video.Title), folded) ||
			strings.Contains(fold.String(video.Description), folded) {
			videos = append(videos, video)
		}
	}
	sortVideos(videos)
	return videos
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	original := video

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
	video.UpdatedAt = s.clock()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) UpdateStatus(id string, update StatusUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if !models.CanTransition(video.Status, update.Status) {
		return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, video.Status, update.Status)
	}
	original := video

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
	video.UpdatedAt = s.clock()

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) DeleteVideo(id string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}

	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) Stats() models.VideoStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.VideoStats{ByStatus: make(map[models.Status]int, len(models.Statuses()))}
	for _, status := range models.Statuses() {
		stats.ByStatus[status] = 0
	}
	for _, video := range s.data.Videos {
		stats.Total++
		stats.ByStatus[video.Status]++
		stats.TotalBytes += video.FileSize
	}
	return stats
}

func sortVideos(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
}
