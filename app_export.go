package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/HugoSmits86/nativewebp"

	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/config"
	"southmakuhari-history/internal/logging"
	"southmakuhari-history/internal/taskqueue"
	"southmakuhari-history/internal/tiles"
	"southmakuhari-history/internal/timeline"
	"southmakuhari-history/internal/utils/naming"
	"southmakuhari-history/internal/video"
	"southmakuhari-history/pkg/geotiff"
)

// composePortion is the share of a timelapse task's progress spent composing
// era textures; the rest covers encoding.
const composePortion = 80

// ===================
// Export Queue Bindings
// ===================

// AddTimelapseTask queues a timelapse export over every era. An empty format
// uses the one from settings; a zero span uses the current board profile's.
func (a *App) AddTimelapseTask(name string, view taskqueue.View, format string, opts taskqueue.VideoOptions) (string, error) {
	if view.Span <= 0 {
		view.Span = a.currentProfile().Span
	}

	a.mu.Lock()
	if format == "" {
		format = a.settings.TimelapseFormat
	}
	a.mu.Unlock()

	task := taskqueue.NewTimelapseTask(name, view, format, opts)
	if err := a.taskQueue.AddTask(task); err != nil {
		return "", err
	}

	return task.ID, nil
}

// AddSnapshotTask queues a single-era composite export. An empty format
// defaults to GeoTIFF.
func (a *App) AddSnapshotTask(name, eraID string, view taskqueue.View, format string) (string, error) {
	if view.Span <= 0 {
		view.Span = a.currentProfile().Span
	}
	if format == "" {
		format = "geotiff"
	}

	task := taskqueue.NewSnapshotTask(name, eraID, view, format)
	if err := a.taskQueue.AddTask(task); err != nil {
		return "", err
	}

	return task.ID, nil
}

// EstimateExport predicts the tile work a prospective export will trigger.
func (a *App) EstimateExport(kind string, view taskqueue.View) (taskqueue.TileEstimate, error) {
	if a.timeline == nil {
		return taskqueue.TileEstimate{}, fmt.Errorf("timeline unavailable")
	}
	if view.Span <= 0 {
		view.Span = a.currentProfile().Span
	}

	task := taskqueue.ExportTask{Kind: taskqueue.TaskKind(kind), View: view}
	return task.Estimate(len(a.timeline.Eras)), nil
}

// GetTaskQueue returns all tasks in queue order
func (a *App) GetTaskQueue() []*taskqueue.ExportTask {
	return a.taskQueue.Tasks()
}

// GetTask returns a single task by ID
func (a *App) GetTask(id string) (*taskqueue.ExportTask, error) {
	return a.taskQueue.Task(id)
}

// UpdateTask edits a pending task's name or priority
func (a *App) UpdateTask(id string, update taskqueue.TaskUpdate) error {
	return a.taskQueue.UpdateTask(id, update)
}

// DeleteTask removes a task from the queue
func (a *App) DeleteTask(id string) error {
	return a.taskQueue.DeleteTask(id)
}

// StartTaskQueue begins processing tasks
func (a *App) StartTaskQueue() error {
	return a.taskQueue.StartQueue()
}

// PauseTaskQueue pauses the queue after the current task completes
func (a *App) PauseTaskQueue() error {
	return a.taskQueue.PauseQueue()
}

// StopTaskQueue stops the queue immediately
func (a *App) StopTaskQueue() {
	a.taskQueue.StopQueue()
}

// CancelTask cancels a running or pending task
func (a *App) CancelTask(id string) error {
	return a.taskQueue.CancelTask(id)
}

// ReorderTask moves a task to a new position in the queue
func (a *App) ReorderTask(id string, newIndex int) error {
	return a.taskQueue.ReorderTask(id, newIndex)
}

// GetTaskQueueStatus returns the current queue status
func (a *App) GetTaskQueueStatus() taskqueue.QueueStatus {
	return a.taskQueue.Status()
}

// ClearCompletedTasks removes all completed/failed/cancelled tasks
func (a *App) ClearCompletedTasks() {
	a.taskQueue.ClearCompleted()
}

// ===================
// Task Executor
// ===================

// progressSink dedups and forwards executor progress snapshots to the queue.
type progressSink struct {
	ch chan<- taskqueue.TaskProgress

	mu        sync.Mutex
	lastPhase string
	lastPct   int
}

func newProgressSink(ch chan<- taskqueue.TaskProgress) *progressSink {
	return &progressSink{ch: ch, lastPct: -1}
}

// send forwards one snapshot, dropping repeats of the same phase and percent
// so per-tile and per-frame callbacks don't flood the queue. Sends never
// block the exporter on a slow consumer.
func (s *progressSink) send(p taskqueue.TaskProgress) {
	s.mu.Lock()
	if p.Phase == s.lastPhase && p.Percent == s.lastPct {
		s.mu.Unlock()
		return
	}
	s.lastPhase, s.lastPct = p.Phase, p.Percent
	s.mu.Unlock()

	select {
	case s.ch <- p:
	default:
	}
}

// final forwards the terminal snapshot, blocking until the queue takes it.
func (s *progressSink) final(p taskqueue.TaskProgress) {
	s.ch <- p
}

// ExecuteExportTask implements the queue's executor contract over the
// composite loader and the exporters. It runs on the queue worker goroutine
// and reports through the progress channel.
func (a *App) ExecuteExportTask(ctx context.Context, task *taskqueue.ExportTask, progress chan<- taskqueue.TaskProgress) error {
	if a.loader == nil || a.timeline == nil {
		return fmt.Errorf("export engine unavailable")
	}

	exportDir := a.GetExportPath()
	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	a.logger.Info().
		Str("task", task.ID).
		Str("kind", string(task.Kind)).
		Str("format", task.Format).
		Msg("export task starting")

	sink := newProgressSink(progress)

	switch task.Kind {
	case taskqueue.KindTimelapse:
		return a.runTimelapseExport(ctx, task, exportDir, sink)
	case taskqueue.KindSnapshot:
		return a.runSnapshotExport(ctx, task, exportDir, sink)
	default:
		return fmt.Errorf("unknown task kind: %s", task.Kind)
	}
}

// eraLayers resolves an era's primary and optional fallback layer.
func (a *App) eraLayers(e timeline.Era) (timeline.Layer, *timeline.Layer, error) {
	layer, ok := a.timeline.LayerByID(e.Layer)
	if !ok {
		return timeline.Layer{}, nil, fmt.Errorf("era %s references unknown layer %s", e.ID, e.Layer)
	}

	var fallback *timeline.Layer
	if e.FallbackLayer != "" {
		if fb, ok := a.timeline.LayerByID(e.FallbackLayer); ok {
			fallback = &fb
		}
	}
	return layer, fallback, nil
}

// runTimelapseExport composes one texture per era and encodes them into a
// cross-faded video.
func (a *App) runTimelapseExport(ctx context.Context, task *taskqueue.ExportTask, exportDir string, sink *progressSink) error {
	eras := a.timeline.Eras
	total := len(eras)

	// One shared zoom keeps every frame on the same block of ground even
	// when individual layers cap out lower.
	zoom := task.View.Zoom
	for _, e := range eras {
		if layer, ok := a.timeline.LayerByID(e.Layer); ok && layer.MaxZoom < zoom {
			zoom = layer.MaxZoom
		}
	}
	zoom = tiles.ClampZoom(zoom, tiles.MaxZoom)
	block := tiles.BlockAround(task.View.Lat, task.View.Lng, zoom, task.View.Span)

	frames := make([]video.EraFrame, 0, total)
	for i, e := range eras {
		if err := ctx.Err(); err != nil {
			return err
		}

		layer, fallback, err := a.eraLayers(e)
		if err != nil {
			return err
		}

		eraIndex := i + 1
		sink.send(taskqueue.TaskProgress{
			Phase:      "composing",
			CurrentEra: eraIndex,
			TotalEras:  total,
			TilesTotal: task.View.Span * task.View.Span,
			Percent:    i * composePortion / total,
		})

		tex := a.loader.Compose(ctx, composite.Request{Block: block, Layer: layer, Fallback: fallback},
			func(done, tileTotal int) {
				sink.send(taskqueue.TaskProgress{
					Phase:      "composing",
					CurrentEra: eraIndex,
					TotalEras:  total,
					TilesDone:  done,
					TilesTotal: tileTotal,
					Percent:    (i*tileTotal + done) * composePortion / (total * tileTotal),
				})
			})

		frames = append(frames, video.EraFrame{Image: tex.Image, Title: e.Title})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	opts := video.DefaultOptions()
	opts.Format = task.Format
	opts.FontPath = config.GetString("export.fontPath")
	a.mu.Lock()
	opts.Quality = a.settings.TimelapseQuality
	a.mu.Unlock()
	if v := task.Video; v != nil {
		if v.FPS > 0 {
			opts.FPS = v.FPS
		}
		if v.HoldSeconds > 0 {
			opts.HoldSeconds = v.HoldSeconds
		}
		opts.FadeSeconds = v.FadeSeconds
		opts.ShowTitles = v.ShowTitles
		if v.Size > 0 {
			opts.Size = v.Size
		}
	}

	exporter, err := video.NewExporter(opts, logging.Component(a.root, "video"))
	if err != nil {
		return err
	}
	defer exporter.Close()

	outputPath := filepath.Join(exportDir, naming.TimelapseFilename(task.View.Lat, task.View.Lng, zoom, task.Format))

	err = exporter.Export(ctx, frames, outputPath, func(done, frameTotal int) {
		sink.send(taskqueue.TaskProgress{
			Phase:      "encoding",
			CurrentEra: total,
			TotalEras:  total,
			Percent:    composePortion + done*(98-composePortion)/frameTotal,
		})
	})
	if err != nil {
		return err
	}

	task.OutputPath = outputPath
	sink.final(taskqueue.TaskProgress{
		Phase:      "writing",
		CurrentEra: total,
		TotalEras:  total,
		Percent:    100,
	})

	a.TrackEvent("timelapse_exported", map[string]interface{}{
		"format": task.Format,
		"eras":   total,
		"zoom":   zoom,
	})
	return nil
}

// runSnapshotExport composes one era and writes it as GeoTIFF, WebP or PNG.
func (a *App) runSnapshotExport(ctx context.Context, task *taskqueue.ExportTask, exportDir string, sink *progressSink) error {
	era, found := timeline.Era{}, false
	for _, e := range a.timeline.Eras {
		if e.ID == task.EraID {
			era, found = e, true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown era: %s", task.EraID)
	}

	layer, fallback, err := a.eraLayers(era)
	if err != nil {
		return err
	}

	zoom := tiles.ClampZoom(task.View.Zoom, layer.MaxZoom)
	block := tiles.BlockAround(task.View.Lat, task.View.Lng, zoom, task.View.Span)

	sink.send(taskqueue.TaskProgress{
		Phase:      "composing",
		CurrentEra: 1,
		TotalEras:  1,
		TilesTotal: task.View.Span * task.View.Span,
	})

	tex := a.loader.Compose(ctx, composite.Request{Block: block, Layer: layer, Fallback: fallback},
		func(done, tileTotal int) {
			sink.send(taskqueue.TaskProgress{
				Phase:      "composing",
				CurrentEra: 1,
				TotalEras:  1,
				TilesDone:  done,
				TilesTotal: tileTotal,
				Percent:    done * 85 / tileTotal,
			})
		})

	if err := ctx.Err(); err != nil {
		return err
	}

	outputPath := filepath.Join(exportDir, naming.SnapshotFilename(task.EraID, task.View.Lat, task.View.Lng, zoom, task.Format))
	sink.send(taskqueue.TaskProgress{Phase: "writing", CurrentEra: 1, TotalEras: 1, Percent: 90})

	if err := writeSnapshot(tex, block, task.Format, outputPath); err != nil {
		return err
	}

	task.OutputPath = outputPath
	sink.final(taskqueue.TaskProgress{Phase: "writing", CurrentEra: 1, TotalEras: 1, Percent: 100})

	a.TrackEvent("snapshot_exported", map[string]interface{}{
		"format": task.Format,
		"era":    task.EraID,
		"zoom":   zoom,
	})
	return nil
}

// writeSnapshot encodes a composed texture into the requested container.
// GeoTIFF output carries Web Mercator georeferencing derived from the block.
func writeSnapshot(tex *composite.Texture, block tiles.Block, format, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	var encErr error
	switch format {
	case "geotiff":
		bounds := block.GeoBounds()
		side := tex.SideLength()
		tags := geotiff.WebMercatorTags(bounds.South, bounds.West, bounds.North, bounds.East, side, side)
		encErr = geotiff.Encode(f, tex.Image, tags)
	case "webp":
		encErr = nativewebp.Encode(f, tex.Image, nil)
	case "png":
		encErr = png.Encode(f, tex.Image)
	default:
		encErr = fmt.Errorf("unsupported snapshot format: %s", format)
	}

	if encErr != nil {
		f.Close()
		os.Remove(outputPath)
		return encErr
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", filepath.Base(outputPath), err)
	}
	return nil
}
