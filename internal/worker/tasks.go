package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPoolFull - все слоты пула заняты.
var ErrPoolFull = errors.New("task pool is full")

// ErrPoolClosed - пул остановлен и новые задачи не принимает.
var ErrPoolClosed = errors.New("task pool is closed")

// TaskStatus - статус задачи в пуле.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task - снимок задачи для отдачи наружу.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskFunc - работа, выполняемая в задаче.
type TaskFunc func(ctx context.Context) error

type taskEntry struct {
	task   Task
	cancel context.CancelFunc
}

// TaskPool выполняет задачи в отдельных горутинах, не больше size одновременно.
// Контекст задач не зависит от контекста вызывающего и отменяется только при остановке пула.
type TaskPool struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*taskEntry
	size    int
	active  int
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	logger  *zap.Logger
}

// NewTaskPool создает пул. size < 1 трактуется как 1.
func NewTaskPool(size int, logger *zap.Logger) *TaskPool {
	if size < 1 {
		size = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &TaskPool{
		tasks:   make(map[uuid.UUID]*taskEntry),
		size:    size,
		baseCtx: ctx,
		stop:    stop,
		logger:  logger.Named("TaskPool"),
	}
}

// Free возвращает число свободных слотов.
func (p *TaskPool) Free() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.size - p.active
}

// Submit запускает задачу, если есть свободный слот.
func (p *TaskPool) Submit(name string, fn TaskFunc) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return uuid.Nil, ErrPoolClosed
	}
	if p.active >= p.size {
		return uuid.Nil, ErrPoolFull
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	now := time.Now().UTC()
	entry := &taskEntry{
		task:   Task{ID: uuid.New(), Name: name, Status: TaskStatusRunning, CreatedAt: now, UpdatedAt: now},
		cancel: cancel,
	}
	p.tasks[entry.task.ID] = entry
	p.active++

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(ctx, entry, fn)
	}()

	p.logger.Debug("Task submitted", zap.String("task_id", entry.task.ID.String()), zap.String("name", name))
	return entry.task.ID, nil
}

func (p *TaskPool) run(ctx context.Context, entry *taskEntry, fn TaskFunc) {
	err := fn(ctx)

	status := TaskStatusCompleted
	switch {
	case ctx.Err() != nil:
		status = TaskStatusCancelled
	case err != nil:
		status = TaskStatusFailed
	}

	p.mu.Lock()
	entry.task.Status = status
	entry.task.UpdatedAt = time.Now().UTC()
	if err != nil {
		entry.task.Error = err.Error()
	}
	p.active--
	p.mu.Unlock()

	fields := []zap.Field{
		zap.String("task_id", entry.task.ID.String()),
		zap.String("name", entry.task.Name),
		zap.String("status", string(status)),
	}
	if err != nil {
		p.logger.Warn("Task finished with error", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Info("Task finished", fields...)
}

// Get возвращает снимок задачи.
func (p *TaskPool) Get(id uuid.UUID) (Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	return entry.task, nil
}

// List возвращает снимки всех известных задач.
func (p *TaskPool) List() []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Task, 0, len(p.tasks))
	for _, e := range p.tasks {
		out = append(out, e.task)
	}
	return out
}

// Cleanup удаляет завершенные задачи старше age.
func (p *TaskPool) Cleanup(age time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for id, e := range p.tasks {
		if e.task.Status != TaskStatusRunning && now.Sub(e.task.UpdatedAt) > age {
			delete(p.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown перестает принимать задачи и ждет завершения текущих.
// Если ctx истекает раньше, текущие задачи отменяются.
func (p *TaskPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		p.logger.Warn("Shutdown timeout, cancelling running tasks")
		p.stop()
		<-done
		return fmt.Errorf("task pool shutdown: %w", ctx.Err())
	}
}
