package taskqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// QueueState is the part of the queue that persists across restarts.
type QueueState struct {
	TaskOrder []string `json:"taskOrder"`
	IsPaused  bool     `json:"isPaused"`
}

// QueueStatus is the snapshot emitted to the frontend on every change.
type QueueStatus struct {
	IsRunning      bool   `json:"isRunning"`
	IsPaused       bool   `json:"isPaused"`
	CurrentTaskID  string `json:"currentTaskID"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	PendingTasks   int    `json:"pendingTasks"`
}

// Executor runs one export task. The App implements this over the composite
// loader and the exporters.
type Executor interface {
	ExecuteExportTask(ctx context.Context, task *ExportTask, progress chan<- TaskProgress) error
}

// Manager owns the task queue. Tasks run strictly one at a time so era
// composes never compete with each other for the tile source.
type Manager struct {
	mu          sync.RWMutex
	tasks       map[string]*ExportTask
	taskOrder   []string
	storagePath string
	logger      zerolog.Logger

	isRunning    bool
	isPaused     bool
	workerActive bool
	currentTask  *ExportTask

	ctx        context.Context
	cancelFunc context.CancelFunc
	workerWg   sync.WaitGroup

	executor Executor

	onQueueUpdate  func(status QueueStatus)
	onTaskProgress func(taskID string, progress TaskProgress)
	onTaskComplete func(taskID string, success bool, err error)
	onNotification func(title, message, notifType string)
}

// NewManager opens the queue rooted at storagePath, restoring any persisted
// tasks. The queue starts stopped; call StartQueue to process.
func NewManager(storagePath string, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		tasks:       make(map[string]*ExportTask),
		taskOrder:   make([]string, 0),
		storagePath: storagePath,
		logger:      logger,
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	if err := m.loadState(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to load queue state")
	}

	return m
}

// SetExecutor installs the task executor.
func (m *Manager) SetExecutor(executor Executor) {
	m.executor = executor
}

// SetCallbacks installs the event callbacks. All are optional.
func (m *Manager) SetCallbacks(
	onQueueUpdate func(QueueStatus),
	onTaskProgress func(string, TaskProgress),
	onTaskComplete func(string, bool, error),
	onNotification func(string, string, string),
) {
	m.onQueueUpdate = onQueueUpdate
	m.onTaskProgress = onTaskProgress
	m.onTaskComplete = onTaskComplete
	m.onNotification = onNotification
}

func (m *Manager) storagePaths() (queueFile, tasksDir string) {
	return filepath.Join(m.storagePath, "queue.json"), filepath.Join(m.storagePath, "tasks")
}

func (m *Manager) loadState() error {
	queueFile, tasksDir := m.storagePaths()

	if data, err := os.ReadFile(queueFile); err == nil {
		var state QueueState
		if err := json.Unmarshal(data, &state); err == nil {
			m.taskOrder = state.TaskOrder
			m.isPaused = state.IsPaused
		}
	}

	entries, err := os.ReadDir(tasksDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read tasks directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		task, err := LoadFromFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			m.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load task")
			continue
		}
		// A task caught mid-run by a crash goes back to pending.
		if task.Status == TaskStatusRunning {
			task.Status = TaskStatusPending
			task.StartedAt = nil
		}
		m.tasks[task.ID] = task
	}

	// Drop order entries whose task file is gone, then append any task the
	// order does not know about.
	validOrder := make([]string, 0, len(m.taskOrder))
	known := make(map[string]bool, len(m.taskOrder))
	for _, id := range m.taskOrder {
		if _, exists := m.tasks[id]; exists && !known[id] {
			validOrder = append(validOrder, id)
			known[id] = true
		}
	}
	for id := range m.tasks {
		if !known[id] {
			validOrder = append(validOrder, id)
		}
	}
	m.taskOrder = validOrder

	if len(m.tasks) > 0 {
		m.logger.Info().Int("tasks", len(m.tasks)).Msg("restored export queue")
	}

	return nil
}

func (m *Manager) saveStateLocked() error {
	queueFile, _ := m.storagePaths()

	if err := os.MkdirAll(filepath.Dir(queueFile), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	state := QueueState{
		TaskOrder: m.taskOrder,
		IsPaused:  m.isPaused,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	if err := os.WriteFile(queueFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}

	return nil
}

func (m *Manager) saveTask(task *ExportTask) error {
	_, tasksDir := m.storagePaths()
	return task.SaveToFile(tasksDir)
}

// AddTask validates a task and appends it to the queue.
func (m *Manager) AddTask(task *ExportTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.taskOrder = append(m.taskOrder, task.ID)

	if err := m.saveTask(task); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.saveStateLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Str("task", task.ID).Str("name", task.Name).Str("kind", string(task.Kind)).
		Msg("export task queued")

	return nil
}

// Task returns a task by id.
func (m *Manager) Task(id string) (*ExportTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, nil
}

// Tasks returns every task in queue order.
func (m *Manager) Tasks() []*ExportTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ExportTask, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		if task, exists := m.tasks[id]; exists {
			result = append(result, task)
		}
	}
	return result
}

// PendingTasks returns tasks still waiting to run, in queue order.
func (m *Manager) PendingTasks() []*ExportTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ExportTask, 0)
	for _, id := range m.taskOrder {
		if task, exists := m.tasks[id]; exists && task.Status == TaskStatusPending {
			result = append(result, task)
		}
	}
	return result
}

// TaskUpdate carries optional edits to a pending task.
type TaskUpdate struct {
	Name     *string `json:"name,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// UpdateTask edits a pending task. Running or finished tasks reject edits.
func (m *Manager) UpdateTask(id string, update TaskUpdate) error {
	m.mu.Lock()

	task, exists := m.tasks[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	if task.Status != TaskStatusPending {
		m.mu.Unlock()
		return fmt.Errorf("cannot update task in state %s", task.Status)
	}

	if update.Name != nil {
		task.Name = *update.Name
	}
	if update.Priority != nil {
		task.Priority = *update.Priority
	}

	if err := m.saveTask(task); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.emitQueueUpdate()
	return nil
}

// DeleteTask removes a task that is not running.
func (m *Manager) DeleteTask(id string) error {
	m.mu.Lock()

	task, exists := m.tasks[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	if task.Status == TaskStatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("cannot delete a running task, cancel it first")
	}

	newOrder := make([]string, 0, len(m.taskOrder))
	for _, taskID := range m.taskOrder {
		if taskID != id {
			newOrder = append(newOrder, taskID)
		}
	}
	m.taskOrder = newOrder
	delete(m.tasks, id)

	_, tasksDir := m.storagePaths()
	if err := task.DeleteFile(tasksDir); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("task", id).Msg("failed to delete task file")
	}
	m.saveStateLocked()
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Str("task", id).Msg("export task deleted")

	return nil
}

// ReorderTask moves a task to a new queue position.
func (m *Manager) ReorderTask(id string, newIndex int) error {
	m.mu.Lock()

	currentIndex := -1
	for i, taskID := range m.taskOrder {
		if taskID == id {
			currentIndex = i
			break
		}
	}
	if currentIndex == -1 {
		m.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= len(m.taskOrder) {
		newIndex = len(m.taskOrder) - 1
	}

	order := append(m.taskOrder[:currentIndex], m.taskOrder[currentIndex+1:]...)
	order = append(order, "")
	copy(order[newIndex+1:], order[newIndex:])
	order[newIndex] = id
	m.taskOrder = order

	m.saveStateLocked()
	m.mu.Unlock()

	m.emitQueueUpdate()
	return nil
}

// CancelTask cancels a pending or running task. Cancelling the running task
// aborts its context.
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()

	task, exists := m.tasks[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	if task.Finished() {
		m.mu.Unlock()
		return fmt.Errorf("task already finished")
	}

	task.MarkCancelled()

	if m.currentTask != nil && m.currentTask.ID == id {
		m.cancelFunc()
		m.ctx, m.cancelFunc = context.WithCancel(context.Background())
	}

	m.saveTask(task)
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Str("task", id).Msg("export task cancelled")

	return nil
}

// StartQueue begins (or resumes) processing.
func (m *Manager) StartQueue() error {
	m.mu.Lock()

	if m.isRunning && !m.isPaused {
		m.mu.Unlock()
		return fmt.Errorf("queue is already running")
	}

	m.isRunning = true
	m.isPaused = false
	m.saveStateLocked()

	spawn := !m.workerActive
	if spawn {
		m.workerActive = true
		m.workerWg.Add(1)
	}
	m.mu.Unlock()

	if spawn {
		go m.worker()
	}

	m.emitQueueUpdate()
	m.logger.Info().Msg("export queue started")

	return nil
}

// PauseQueue stops processing after the current task completes.
func (m *Manager) PauseQueue() error {
	m.mu.Lock()

	if !m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("queue is not running")
	}

	m.isPaused = true
	m.saveStateLocked()
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Msg("export queue pausing after current task")

	return nil
}

// StopQueue stops processing immediately, cancelling the running task.
func (m *Manager) StopQueue() {
	m.mu.Lock()
	m.isRunning = false
	m.isPaused = false
	m.saveStateLocked()
	m.cancelFunc()
	m.ctx, m.cancelFunc = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Msg("export queue stopped")
}

// Status returns the current queue snapshot.
func (m *Manager) Status() QueueStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completed := 0
	pending := 0
	for _, task := range m.tasks {
		switch task.Status {
		case TaskStatusCompleted:
			completed++
		case TaskStatusPending:
			pending++
		}
	}

	currentTaskID := ""
	if m.currentTask != nil {
		currentTaskID = m.currentTask.ID
	}

	return QueueStatus{
		IsRunning:      m.isRunning,
		IsPaused:       m.isPaused,
		CurrentTaskID:  currentTaskID,
		TotalTasks:     len(m.tasks),
		CompletedTasks: completed,
		PendingTasks:   pending,
	}
}

func (m *Manager) worker() {
	defer func() {
		m.mu.Lock()
		m.workerActive = false
		m.mu.Unlock()
		m.workerWg.Done()
	}()

	for {
		m.mu.Lock()
		if !m.isRunning || m.isPaused {
			m.mu.Unlock()
			return
		}

		// Highest priority pending task wins; queue order breaks ties.
		var next *ExportTask
		for _, id := range m.taskOrder {
			task := m.tasks[id]
			if task.Status == TaskStatusPending {
				if next == nil || task.Priority > next.Priority {
					next = task
				}
			}
		}

		if next == nil {
			m.isRunning = false
			m.saveStateLocked()
			completed := 0
			for _, t := range m.tasks {
				if t.Status == TaskStatusCompleted {
					completed++
				}
			}
			m.mu.Unlock()

			if m.onNotification != nil {
				m.onNotification("Export queue finished",
					fmt.Sprintf("%d exports completed", completed), "success")
			}
			m.emitQueueUpdate()
			return
		}

		m.currentTask = next
		next.MarkStarted()
		m.saveTask(next)
		taskCtx := m.ctx
		m.mu.Unlock()

		m.emitQueueUpdate()
		m.logger.Info().Str("task", next.ID).Str("name", next.Name).Msg("export task running")

		progressChan := make(chan TaskProgress, 10)
		progressDone := make(chan struct{})
		go func() {
			defer close(progressDone)
			for progress := range progressChan {
				m.mu.Lock()
				next.Progress = progress
				m.saveTask(next)
				m.mu.Unlock()

				if m.onTaskProgress != nil {
					m.onTaskProgress(next.ID, progress)
				}
			}
		}()

		var execErr error
		if m.executor != nil {
			execErr = m.executor.ExecuteExportTask(taskCtx, next, progressChan)
		} else {
			execErr = fmt.Errorf("no executor configured")
		}
		close(progressChan)
		<-progressDone

		m.mu.Lock()
		if execErr != nil {
			if taskCtx.Err() != nil {
				next.MarkCancelled()
			} else {
				next.MarkFailed(execErr)
				m.logger.Error().Err(execErr).Str("task", next.ID).Msg("export task failed")
				if m.onNotification != nil {
					go m.onNotification("Export failed",
						fmt.Sprintf("%s: %v", next.Name, execErr), "error")
				}
			}
		} else {
			next.MarkCompleted(next.OutputPath)
			m.logger.Info().Str("task", next.ID).Str("output", next.OutputPath).
				Msg("export task completed")
		}
		m.saveTask(next)
		m.currentTask = nil
		m.ctx, m.cancelFunc = context.WithCancel(context.Background())
		m.mu.Unlock()

		if m.onTaskComplete != nil {
			m.onTaskComplete(next.ID, execErr == nil, execErr)
		}
		m.emitQueueUpdate()
	}
}

func (m *Manager) emitQueueUpdate() {
	if m.onQueueUpdate != nil {
		m.onQueueUpdate(m.Status())
	}
}

// ClearCompleted removes every finished task and its file.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()

	_, tasksDir := m.storagePaths()
	newOrder := make([]string, 0, len(m.taskOrder))
	removed := 0
	for _, id := range m.taskOrder {
		task := m.tasks[id]
		if task.Finished() {
			task.DeleteFile(tasksDir)
			delete(m.tasks, id)
			removed++
		} else {
			newOrder = append(newOrder, id)
		}
	}
	m.taskOrder = newOrder

	m.saveStateLocked()
	m.mu.Unlock()

	m.emitQueueUpdate()
	m.logger.Info().Int("removed", removed).Msg("cleared finished export tasks")
}

// Close stops the queue and waits for the worker to exit.
func (m *Manager) Close() {
	m.StopQueue()
	m.workerWg.Wait()
}
