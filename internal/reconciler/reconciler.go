// Package reconciler resolves the build status of asynchronously
// created servers. Build tasks are durable rows, so a restart loses no
// work; workers claim due tasks in batches and poll provider detail
// with exponential backoff until the build settles or the attempt
// budget runs out.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/internal/servermgr"
	"github.com/GOSC-CNIC/vms/pkg/metrics"
)

type Config struct {
	Workers     int
	Interval    time.Duration // base poll interval, doubled per attempt
	MaxAttempts int
	BatchSize   int
}

type Reconciler struct {
	db      *gorm.DB
	manager *servermgr.Manager
	conf    Config

	wg    sync.WaitGroup
	tasks chan string
}

func New(db *gorm.DB, manager *servermgr.Manager, conf Config) *Reconciler {
	if conf.Workers <= 0 {
		conf.Workers = 3
	}
	if conf.Interval <= 0 {
		conf.Interval = 30 * time.Second
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 10
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 50
	}
	return &Reconciler{
		db:      db,
		manager: manager,
		conf:    conf,
		tasks:   make(chan string, conf.BatchSize),
	}
}

// Start launches the dispatcher and workers. They stop when ctx is
// cancelled; Wait blocks until all of them have drained.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.conf.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(ctx)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatch(ctx)
	}()
	klog.Infof("build reconciler started: workers=%d interval=%s", r.conf.Workers, r.conf.Interval)
}

func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) dispatch(ctx context.Context) {
	ticker := time.NewTicker(r.conf.Interval)
	defer ticker.Stop()
	for {
		ids, err := r.claimDue(ctx)
		if err != nil {
			klog.ErrorS(err, "claim build tasks")
		}
		for _, id := range ids {
			select {
			case r.tasks <- id:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// claimLease pushes a claimed task's next_attempt far enough into the
// future that a second dispatcher pass will not hand it out again while
// a worker still holds it.
const claimLease = 10 * time.Minute

// claimDue atomically takes ownership of a batch of due pending tasks
// by advancing next_attempt; the guarded update keeps two dispatchers
// (or a restarted process) from double-claiming.
func (r *Reconciler) claimDue(ctx context.Context) ([]string, error) {
	now := time.Now()
	var due []model.BuildTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt <= ?", model.BuildTaskPending, now).
		Order("next_attempt ASC").
		Limit(r.conf.BatchSize).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(due))
	for i := range due {
		res := r.db.WithContext(ctx).Model(&model.BuildTask{}).
			Where("id = ? AND status = ? AND next_attempt = ?",
				due[i].ID, model.BuildTaskPending, due[i].NextAttempt).
			Update("next_attempt", now.Add(claimLease))
		if res.Error != nil {
			klog.ErrorS(res.Error, "claim build task", "task", due[i].ID)
			continue
		}
		if res.RowsAffected == 0 {
			continue // raced with another dispatcher
		}
		claimed = append(claimed, due[i].ID)
	}
	return claimed, nil
}

func (r *Reconciler) worker(ctx context.Context) {
	for {
		select {
		case id := <-r.tasks:
			if err := r.ProcessTask(ctx, id); err != nil {
				klog.ErrorS(err, "process build task", "task", id)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ProcessTask runs one reconciliation attempt for a claimed task.
// Re-running it for an already-resolved server is a no-op that closes
// the task. Exhausting the attempt budget marks the server
// create-failed without releasing quota: the provider instance may
// still exist, so reclaiming is an explicit delete, never automatic.
func (r *Reconciler) ProcessTask(ctx context.Context, taskID string) error {
	var task model.BuildTask
	err := r.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != model.BuildTaskPending {
		return nil
	}

	server, err := r.manager.GetServer(ctx, task.ServerID)
	if err != nil {
		// Deleted before the build settled; nothing left to track.
		return r.closeTask(ctx, &task, model.BuildTaskDone, "server gone")
	}
	if server.TaskStatus != model.TaskInCreating {
		return r.closeTask(ctx, &task, model.BuildTaskDone, "")
	}

	metrics.ReconcileAttempts.Inc()
	done, err := r.manager.FinalizeBuild(ctx, server)
	if err == nil && done {
		metrics.ReconcileFinalized.WithLabelValues("ok").Inc()
		return r.closeTask(ctx, &task, model.BuildTaskDone, "")
	}

	lastErr := "build not settled"
	if err != nil {
		lastErr = err.Error()
	}
	task.Attempts++
	if task.Attempts >= r.conf.MaxAttempts {
		return r.giveUp(ctx, &task, server, lastErr)
	}
	return r.db.WithContext(ctx).Model(&model.BuildTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{
			"attempts":     task.Attempts,
			"next_attempt": time.Now().Add(r.backoff(task.Attempts)),
			"last_error":   lastErr,
		}).Error
}

// backoff doubles the base interval per attempt, capped at 16x.
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.conf.Interval
	for i := 1; i < attempts && d < 16*r.conf.Interval; i++ {
		d *= 2
	}
	return d
}

func (r *Reconciler) closeTask(ctx context.Context, task *model.BuildTask, status model.BuildTaskStatus, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.BuildTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]any{"status": status, "last_error": lastErr}).Error
}

func (r *Reconciler) giveUp(ctx context.Context, task *model.BuildTask, server *model.Server, lastErr string) error {
	metrics.ReconcileFinalized.WithLabelValues("failed").Inc()
	klog.Warningf("build reconcile gave up after %d attempts: server=%s lastErr=%s",
		task.Attempts, server.ID, lastErr)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Server{}).
			Where("id = ? AND task_status = ?", server.ID, model.TaskInCreating).
			Update("task_status", model.TaskCreateFailed).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.BuildTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]any{
				"status":     model.BuildTaskFailed,
				"attempts":   task.Attempts,
				"last_error": lastErr,
			}).Error
	})
}

// Rescan enqueues tasks for in-creating servers that have none, closing
// the crash window between server persist and task enqueue. Intended to
// run from cron.
func (r *Reconciler) Rescan(ctx context.Context) (int, error) {
	var orphans []model.Server
	err := r.db.WithContext(ctx).
		Where("task_status = ?", model.TaskInCreating).
		Where("id NOT IN (?)", r.db.Model(&model.BuildTask{}).Select("server_id")).
		Limit(r.conf.BatchSize).
		Find(&orphans).Error
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for i := range orphans {
		task := &model.BuildTask{
			ServerID:    orphans[i].ID,
			Status:      model.BuildTaskPending,
			NextAttempt: time.Now(),
		}
		if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
			klog.ErrorS(err, "rescan enqueue", "server", orphans[i].ID)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		klog.Infof("build rescan enqueued %d tasks", enqueued)
	}
	return enqueued, nil
}
