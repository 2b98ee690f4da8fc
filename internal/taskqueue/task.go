// Package taskqueue queues export jobs and runs them one at a time in the
// background. Tasks and queue order persist as JSON so half-finished queues
// survive an application restart.
package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskKind selects what an export task produces.
type TaskKind string

const (
	// KindTimelapse renders every era and cross-fades them into a video.
	KindTimelapse TaskKind = "timelapse"

	// KindSnapshot renders a single era composite to an image file.
	KindSnapshot TaskKind = "snapshot"
)

// View pins the tile block an export renders: the block of span x span
// tiles around (lat, lng) at the given zoom.
type View struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
	Span int     `json:"span"`
}

// VideoOptions tunes a timelapse export.
type VideoOptions struct {
	FPS         int     `json:"fps"`
	HoldSeconds float64 `json:"holdSeconds"` // still time per era
	FadeSeconds float64 `json:"fadeSeconds"` // cross-fade between eras
	ShowTitles  bool    `json:"showTitles"`
	Size        int     `json:"size"` // output side length in px, 0 keeps native
}

// TaskProgress is the detailed progress snapshot emitted while a task runs.
type TaskProgress struct {
	Phase      string `json:"phase"` // "composing", "encoding", "writing"
	CurrentEra int    `json:"currentEra"`
	TotalEras  int    `json:"totalEras"`
	TilesDone  int    `json:"tilesDone"`
	TilesTotal int    `json:"tilesTotal"`
	Percent    int    `json:"percent"`
}

// ExportTask is one queued export job.
type ExportTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"` // higher runs first
	CreatedAt   time.Time  `json:"createdAt" ts_type:"string"`
	StartedAt   *time.Time `json:"startedAt,omitempty" ts_type:"string"`
	CompletedAt *time.Time `json:"completedAt,omitempty" ts_type:"string"`

	View View `json:"view"`

	// Snapshot tasks target one era; timelapse tasks render all of them.
	EraID string `json:"eraId,omitempty"`

	// Output container: "avi" or "gif" for timelapses, "geotiff", "webp"
	// or "png" for snapshots.
	Format string `json:"format"`

	Video *VideoOptions `json:"video,omitempty"`

	Progress   TaskProgress `json:"progress"`
	Error      string       `json:"error,omitempty"`
	OutputPath string       `json:"outputPath,omitempty"`
}

// NewTimelapseTask builds a pending timelapse export over every era.
func NewTimelapseTask(name string, view View, format string, opts VideoOptions) *ExportTask {
	return &ExportTask{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      KindTimelapse,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
		View:      view,
		Format:    format,
		Video:     &opts,
	}
}

// NewSnapshotTask builds a pending single-era export.
func NewSnapshotTask(name, eraID string, view View, format string) *ExportTask {
	return &ExportTask{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      KindSnapshot,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
		View:      view,
		EraID:     eraID,
		Format:    format,
	}
}

// Validate rejects tasks the executor could not run.
func (t *ExportTask) Validate() error {
	if t.View.Span < 1 {
		return fmt.Errorf("task %s: span must be at least 1", t.ID)
	}
	if t.View.Zoom < 0 {
		return fmt.Errorf("task %s: negative zoom", t.ID)
	}
	switch t.Kind {
	case KindTimelapse:
		if t.Format != "avi" && t.Format != "gif" {
			return fmt.Errorf("task %s: unsupported timelapse format %q", t.ID, t.Format)
		}
		if t.Video == nil {
			return fmt.Errorf("task %s: timelapse task without video options", t.ID)
		}
	case KindSnapshot:
		if t.Format != "geotiff" && t.Format != "webp" && t.Format != "png" {
			return fmt.Errorf("task %s: unsupported snapshot format %q", t.ID, t.Format)
		}
		if t.EraID == "" {
			return fmt.Errorf("task %s: snapshot task without era", t.ID)
		}
	default:
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}
	return nil
}

// TileEstimate summarizes the tile work a task will trigger before it runs.
type TileEstimate struct {
	Tiles  int     `json:"tiles"`
	SizeMB float64 `json:"sizeMB"`
}

// Estimate predicts the tile count and download volume for a task.
// eraCount is the number of eras a timelapse will render.
func (t *ExportTask) Estimate(eraCount int) TileEstimate {
	perEra := t.View.Span * t.View.Span
	tiles := perEra
	if t.Kind == KindTimelapse {
		tiles = perEra * eraCount
	}

	// Aerial photo tiles average around 15 KB.
	const avgTileKB = 15.0
	return TileEstimate{
		Tiles:  tiles,
		SizeMB: float64(tiles) * avgTileKB / 1024.0,
	}
}

// SaveToFile persists the task as {dir}/{id}.json.
func (t *ExportTask) SaveToFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, t.ID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}

	return nil
}

// LoadFromFile reads one persisted task.
func LoadFromFile(path string) (*ExportTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var task ExportTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &task, nil
}

// DeleteFile removes the task's JSON file.
func (t *ExportTask) DeleteFile(dir string) error {
	return os.Remove(filepath.Join(dir, t.ID+".json"))
}

// UpdateProgress recomputes the blended completion percentage from the era
// and tile counters.
func (t *ExportTask) UpdateProgress(phase string, currentEra, totalEras, tilesDone, tilesTotal int) {
	t.Progress.Phase = phase
	t.Progress.CurrentEra = currentEra
	t.Progress.TotalEras = totalEras
	t.Progress.TilesDone = tilesDone
	t.Progress.TilesTotal = tilesTotal

	if totalEras > 0 && tilesTotal > 0 {
		eraProgress := float64(currentEra-1) / float64(totalEras)
		tileProgress := float64(tilesDone) / float64(tilesTotal)
		t.Progress.Percent = int((eraProgress + tileProgress/float64(totalEras)) * 100)
	} else if totalEras > 0 {
		t.Progress.Percent = (currentEra * 100) / totalEras
	}

	if t.Progress.Percent > 100 {
		t.Progress.Percent = 100
	}
}

// MarkStarted transitions the task to running.
func (t *ExportTask) MarkStarted() {
	now := time.Now()
	t.StartedAt = &now
	t.Status = TaskStatusRunning
}

// MarkCompleted transitions the task to completed.
func (t *ExportTask) MarkCompleted(outputPath string) {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusCompleted
	t.OutputPath = outputPath
	t.Progress.Percent = 100
}

// MarkFailed transitions the task to failed.
func (t *ExportTask) MarkFailed(err error) {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
}

// MarkCancelled transitions the task to cancelled.
func (t *ExportTask) MarkCancelled() {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusCancelled
}

// Finished reports whether the task reached a terminal state.
func (t *ExportTask) Finished() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed || t.Status == TaskStatusCancelled
}
