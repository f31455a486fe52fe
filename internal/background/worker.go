package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/asset"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/records"
)

// recordNamespace 下保存尚未完成的后台任务，key 为 bg-<id>。
const recordNamespace = "background"

// ErrWorkerStopped 表示 Worker 已停止接收任务。
var ErrWorkerStopped = errors.New("background worker stopped")

// Fetcher 抓取单个资源。
type Fetcher interface {
	Fetch(ctx context.Context, a asset.Asset) (*http.Response, error)
}

// WorkerOptions 配置进程内的后台传输设施。
type WorkerOptions struct {
	Store   cache.Store
	Fetcher Fetcher
	Records *records.Store
	Workers int
	// Cancelled 在每个分片边界检查任务是否被取消。
	Cancelled func(name string) bool
	// Track 在恢复遗留任务前将其登记为下载中，返回 false 表示同名任务已在进行。
	Track  func(name string) bool
	Logger *logrus.Logger
}

// Worker 是进程内的 Facility：先持久化任务记录，再由固定数量的 goroutine 执行，
// 结束后删除记录并以 JSON 回执通知协调器。
type Worker struct {
	store     cache.Store
	writer    cache.ChunkWriter
	fetcher   Fetcher
	records   *records.Store
	cancelled func(string) bool
	track     func(string) bool
	logger    *logrus.Logger
	workers   int

	notifyMu sync.Mutex
	notify   func(context.Context, []byte)

	mu      sync.Mutex
	jobs    chan Message
	quit    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewWorker 构造 Worker；调用 Start 后才开始执行任务。
func NewWorker(opts WorkerOptions) *Worker {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cancelled := opts.Cancelled
	if cancelled == nil {
		cancelled = func(string) bool { return false }
	}
	track := opts.Track
	if track == nil {
		track = func(string) bool { return true }
	}
	return &Worker{
		store:     opts.Store,
		writer:    cache.NewChunkWriter(opts.Store),
		fetcher:   opts.Fetcher,
		records:   opts.Records,
		cancelled: cancelled,
		track:     track,
		logger:    logger,
		workers:   workers,
		jobs:      make(chan Message, 64),
		quit:      make(chan struct{}),
	}
}

// SetNotifier 设置回执接收方，通常为 Coordinator.OnNotification。
func (w *Worker) SetNotifier(fn func(context.Context, []byte)) {
	w.notifyMu.Lock()
	w.notify = fn
	w.notifyMu.Unlock()
}

// Start 启动 goroutine 池，并重新投递上次进程退出前未完成的任务。
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(runCtx)
	}
	return w.resume(ctx)
}

// Stop 停止接收任务并等待执行中的任务结束；队列中未执行的任务保留记录，下次 Start 时恢复。
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.quit)
	w.mu.Unlock()
	w.wg.Wait()
	if w.cancel != nil {
		w.cancel()
	}
}

// Post 实现 Facility。
func (w *Worker) Post(ctx context.Context, msg Message) error {
	if msg.Action != ActionOffline {
		return fmt.Errorf("unsupported background action %q", msg.Action)
	}
	if w.records != nil {
		if err := w.records.Put(ctx, recordNamespace, recordKey(msg.ID), msg); err != nil {
			return err
		}
	}
	return w.enqueue(ctx, msg)
}

func (w *Worker) enqueue(ctx context.Context, msg Message) error {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return ErrWorkerStopped
	}
	select {
	case w.jobs <- msg:
		return nil
	case <-w.quit:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) resume(ctx context.Context) error {
	if w.records == nil {
		return nil
	}
	keys, err := w.records.Keys(ctx, recordNamespace)
	if err != nil {
		return fmt.Errorf("list pending background transfers: %w", err)
	}
	for _, key := range keys {
		var msg Message
		if err := w.records.Get(ctx, recordNamespace, key, &msg); err != nil {
			w.logger.WithFields(logrus.Fields{"action": "background_resume", "record": key}).WithError(err).Warn("skip unreadable record")
			continue
		}
		if !w.track(msg.ID) {
			w.logger.WithFields(logrus.Fields{"action": "background_resume", "partition": msg.ID}).Warn("skip record, transfer already in flight")
			continue
		}
		if err := w.enqueue(ctx, msg); err != nil {
			return err
		}
		w.logger.WithFields(logrus.Fields{"action": "background_resume", "partition": msg.ID}).Info("background transfer resumed")
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		var msg Message
		select {
		case <-w.quit:
			return
		case msg = <-w.jobs:
		}
		err := w.process(ctx, msg)
		fields := logrus.Fields{"action": "background_transfer", "partition": msg.ID}
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("background transfer failed")
		} else {
			w.logger.WithFields(fields).Info("background transfer finished")
		}
		if w.records != nil {
			if delErr := w.records.Delete(ctx, recordNamespace, recordKey(msg.ID)); delErr != nil {
				w.logger.WithFields(fields).WithError(delErr).Warn("background record teardown failed")
			}
		}
		w.reply(ctx, Notification{Offline: true, Success: err == nil, Name: msg.ID})
	}
}

func (w *Worker) process(ctx context.Context, msg Message) error {
	if w.store == nil || w.fetcher == nil {
		return cache.ErrStoreUnavailable
	}
	part, err := w.store.Open(ctx, msg.ID)
	if err != nil {
		return err
	}
	cancelled := func() bool { return w.cancelled(msg.ID) }
	for _, a := range msg.Assets {
		if cancelled() {
			return cache.ErrCancelled
		}
		if err := w.fetchOne(ctx, part, a, cancelled); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) fetchOne(ctx context.Context, part cache.Partition, a asset.Asset, cancelled func() bool) error {
	resp, err := w.fetcher.Fetch(ctx, a)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", a.SourceURL, err)
	}
	defer resp.Body.Close()
	_, err = w.writer.Commit(ctx, part, cache.Source{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, cache.CommitOptions{Key: a.DestKey, Chunked: a.Chunked, Cancelled: cancelled})
	return err
}

func (w *Worker) reply(ctx context.Context, n Notification) {
	w.notifyMu.Lock()
	notify := w.notify
	w.notifyMu.Unlock()
	if notify == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	notify(ctx, payload)
}

func recordKey(id string) string {
	return "bg-" + id
}
