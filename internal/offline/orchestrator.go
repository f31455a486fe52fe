// Package offline orchestrates offline bundles: it registers downloads,
// streams every asset of a bundle into its cache partition, honours
// cooperative cancellation at chunk boundaries and answers whether a
// bundle is fully cached. Registries are owned by one Orchestrator value
// so several independent instances can coexist in a process.
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/asset"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/license"
)

var (
	// ErrInFlight 表示同名下载正在进行。
	ErrInFlight = errors.New("offline download already in flight")
	// ErrAlreadyComplete 表示内容已完整缓存，无法取消。
	ErrAlreadyComplete = errors.New("offline content already complete")
	// ErrCancelled 表示下载被取消。
	ErrCancelled = errors.New("offline download cancelled")
	// ErrInvalidName 表示名称规范化后为空。
	ErrInvalidName = errors.New("invalid offline name")
)

// Fetcher 抓取单个资源。
type Fetcher interface {
	Fetch(ctx context.Context, a asset.Asset) (*http.Response, error)
}

// Dispatcher 将整份资源列表交给后台传输设施。
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, assets []asset.Asset) error
}

// Options 注入 Orchestrator 的依赖；Store 为 nil 时所有操作降级为空操作。
type Options struct {
	Store       cache.Store
	Fetcher     Fetcher
	Licenses    license.Persister
	Resolver    asset.Resolver
	Descriptors []asset.Descriptor
	Sink        Sink
	Logger      *logrus.Logger
}

// AddRequest 描述一次离线下载。
type AddRequest struct {
	Name      string
	AssetPath string
	PagePath  string
	// Descriptors 为 nil 时使用默认清单；非 nil 的空列表表示只缓存页面。
	Descriptors []asset.Descriptor
	DRM         *license.Info
}

// Orchestrator 负责 add/cancel/remove/has。
type Orchestrator struct {
	store       cache.Store
	writer      cache.ChunkWriter
	validator   *cache.Validator
	fetcher     Fetcher
	licenses    license.Persister
	resolver    asset.Resolver
	descriptors []asset.Descriptor
	sink        Sink
	logger      *logrus.Logger

	inflight *Registry
	cancels  *Registry
	last     lastEvents

	mu         sync.Mutex
	background Dispatcher
	pending    map[string]*Transfer
}

// New 构造 Orchestrator。
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}
	descriptors := opts.Descriptors
	if len(descriptors) == 0 {
		descriptors = asset.DefaultDescriptors()
	}
	o := &Orchestrator{
		store:       opts.Store,
		writer:      cache.NewChunkWriter(opts.Store),
		fetcher:     opts.Fetcher,
		licenses:    opts.Licenses,
		resolver:    opts.Resolver,
		descriptors: descriptors,
		sink:        sink,
		logger:      logger,
		inflight:    NewRegistry(),
		cancels:     NewRegistry(),
		pending:     make(map[string]*Transfer),
	}
	if opts.Store != nil {
		var remover cache.LicenseRemover
		if opts.Licenses != nil {
			remover = opts.Licenses
		}
		o.validator = cache.NewValidator(opts.Store, remover, logger)
	}
	return o
}

// SetBackground 配置后台传输设施；配置后 Add 全部委托给它。
func (o *Orchestrator) SetBackground(d Dispatcher) {
	o.mu.Lock()
	o.background = d
	o.mu.Unlock()
}

// Enabled 返回是否具备缓存能力。
func (o *Orchestrator) Enabled() bool {
	return o.store != nil
}

// Emit 记录并转发事件，后台协调器也通过它发出通知。
func (o *Orchestrator) Emit(e Event) {
	o.last.record(e)
	o.sink.Emit(e)
}

// Has 报告 name 是否已完整缓存；下载中、校验失败或出错时返回 false。
func (o *Orchestrator) Has(ctx context.Context, name string) bool {
	if o.store == nil {
		return false
	}
	name = cache.NormalizeName(name)
	if name == "" || o.inflight.Has(name) {
		return false
	}
	valid, err := o.validator.Validate(ctx, name)
	if err != nil {
		o.logger.WithFields(logrus.Fields{"action": "has", "partition": name}).WithError(err).Warn("validate_failed")
		return false
	}
	if !valid {
		return false
	}
	ok, err := o.store.HasPartition(ctx, name)
	if err != nil {
		o.logger.WithFields(logrus.Fields{"action": "has", "partition": name}).WithError(err).Warn("partition_probe_failed")
		return false
	}
	return ok
}

// Add 登记并启动下载，立即返回 Transfer。无缓存能力时返回 (nil, nil)。
func (o *Orchestrator) Add(ctx context.Context, req AddRequest) (*Transfer, error) {
	if o.store == nil {
		return nil, nil
	}
	name := cache.NormalizeName(req.Name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if !o.inflight.TryAdd(name) {
		return nil, ErrInFlight
	}
	o.cancels.Remove(name)

	descs := req.Descriptors
	if descs == nil {
		descs = o.descriptors
	}
	assets := o.resolver.Resolve(req.AssetPath, descs)
	pagePath := req.PagePath
	if pagePath == "" {
		pagePath = "/" + strings.Trim(req.Name, "/") + "/"
	}
	assets = append(assets, o.resolver.Page(pagePath))

	o.mu.Lock()
	background := o.background
	o.mu.Unlock()

	transfer := newTransfer(name, background != nil)
	runCtx := context.WithoutCancel(ctx)

	o.logger.WithFields(logrus.Fields{
		"action":     "offline_add",
		"partition":  name,
		"assets":     len(assets),
		"background": background != nil,
		"drm":        req.DRM != nil,
	}).Info("offline download registered")

	if background != nil {
		o.mu.Lock()
		o.pending[name] = transfer
		o.mu.Unlock()
	}

	go o.run(runCtx, transfer, assets, req.DRM, background)
	return transfer, nil
}

func (o *Orchestrator) run(ctx context.Context, t *Transfer, assets []asset.Asset, drm *license.Info, background Dispatcher) {
	name := t.Name
	var (
		wg         sync.WaitGroup
		licenseErr error
	)
	if drm != nil && o.licenses != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			licenseErr = o.licenses.Persist(ctx, name, *drm)
		}()
	}

	if background != nil {
		err := background.Dispatch(ctx, name, assets)
		wg.Wait()
		if err == nil {
			err = licenseErr
		}
		if err != nil {
			o.fail(ctx, t, err)
		}
		// 成功时等待后台通知经 Settle 结束 Transfer
		return
	}

	loaded, err := o.transfer(ctx, name, assets)
	wg.Wait()

	if errors.Is(err, cache.ErrCancelled) || o.cancels.Has(name) {
		o.discard(ctx, name)
		o.inflight.Remove(name)
		o.cancels.Remove(name)
		o.Emit(Event{Name: name, Kind: EventCancelled, Loaded: loaded})
		o.logger.WithFields(logrus.Fields{"action": "offline_cancel", "partition": name}).Info("offline download cancelled")
		t.settle(ErrCancelled)
		return
	}
	if err == nil {
		err = licenseErr
	}
	if err != nil {
		o.fail(ctx, t, err)
		return
	}

	o.inflight.Remove(name)
	o.Emit(Event{Name: name, Kind: EventComplete, Loaded: loaded, Total: loaded})
	o.logger.WithFields(logrus.Fields{
		"action":    "offline_complete",
		"partition": name,
		"bytes":     loaded,
	}).Info("offline download complete")
	t.settle(nil)
}

// transfer 并发抓取全部资源后统计总长度，再并发写入分区。
func (o *Orchestrator) transfer(ctx context.Context, name string, assets []asset.Asset) (int64, error) {
	if o.fetcher == nil {
		return 0, errors.New("no fetcher configured")
	}
	part, err := o.store.Open(ctx, name)
	if err != nil {
		return 0, err
	}

	responses := make([]*http.Response, len(assets))
	defer func() {
		for _, resp := range responses {
			if resp != nil {
				resp.Body.Close()
			}
		}
	}()

	// 正文在提交阶段才读取，fetchCtx 须存活到提交结束
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var fetchGroup errgroup.Group
	for i, a := range assets {
		fetchGroup.Go(func() error {
			resp, err := o.fetcher.Fetch(fetchCtx, a)
			if err != nil {
				cancelFetch()
				return fmt.Errorf("fetch %s: %w", a.SourceURL, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := fetchGroup.Wait(); err != nil {
		return 0, err
	}

	var total int64
	for _, resp := range responses {
		if resp.ContentLength > 0 {
			total += resp.ContentLength
		}
	}
	tracker := &progress{name: name, total: total, emit: o.Emit}
	cancelled := func() bool { return o.cancels.Has(name) }

	commitGroup, commitCtx := errgroup.WithContext(ctx)
	for i, a := range assets {
		resp := responses[i]
		commitGroup.Go(func() error {
			src := cache.Source{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       &countingReader{r: resp.Body, add: tracker.add},
			}
			_, err := o.writer.Commit(commitCtx, part, src, cache.CommitOptions{
				Key:       a.DestKey,
				Chunked:   a.Chunked,
				Cancelled: cancelled,
			})
			if err != nil {
				cancelFetch()
			}
			return err
		})
	}
	err = commitGroup.Wait()
	return tracker.loaded.Load(), err
}

func (o *Orchestrator) fail(ctx context.Context, t *Transfer, err error) {
	name := t.Name
	o.mu.Lock()
	delete(o.pending, name)
	o.mu.Unlock()
	o.inflight.Remove(name)
	o.Emit(Event{Name: name, Kind: EventFailed, Error: err.Error(), Background: t.Background})
	o.logger.WithFields(logrus.Fields{
		"action":    "offline_failed",
		"partition": name,
	}).WithError(err).Warn("offline download failed")
	t.settle(err)
}

// discard 删除分区与授权记录，用于取消与后台失败。
func (o *Orchestrator) discard(ctx context.Context, name string) {
	if err := o.store.DeletePartition(ctx, name); err != nil {
		o.logger.WithFields(logrus.Fields{"action": "offline_discard", "partition": name}).WithError(err).Warn("delete_partition_failed")
	}
	if o.licenses != nil {
		if err := o.licenses.Remove(ctx, name); err != nil {
			o.logger.WithFields(logrus.Fields{"action": "offline_discard", "partition": name}).WithError(err).Warn("remove_license_failed")
		}
	}
}

// Settle 结束后台传输并返回应发出的事件类型；未知 name 返回 false。
// 失败或已登记取消时按取消处理并删除分区。
func (o *Orchestrator) Settle(ctx context.Context, name string, success bool) (EventKind, bool) {
	if !o.inflight.Has(name) {
		return "", false
	}
	o.mu.Lock()
	t := o.pending[name]
	delete(o.pending, name)
	o.mu.Unlock()

	if !success || o.cancels.Has(name) {
		o.discard(ctx, name)
		o.cancels.Remove(name)
		o.inflight.Remove(name)
		if t != nil {
			t.settle(ErrCancelled)
		}
		return EventCancelled, true
	}
	o.inflight.Remove(name)
	if t != nil {
		t.settle(nil)
	}
	return EventComplete, true
}

// Track 将后台设施自行恢复的传输登记为下载中，完成后同样经 Settle 结束。
// 同名传输已在进行时返回 false。
func (o *Orchestrator) Track(name string) bool {
	name = cache.NormalizeName(name)
	if name == "" || !o.inflight.TryAdd(name) {
		return false
	}
	o.logger.WithFields(logrus.Fields{"action": "offline_track", "partition": name}).Info("resumed background transfer registered")
	return true
}

// Cancelled 报告 name 是否已登记取消，供后台设施在分片边界检查。
func (o *Orchestrator) Cancelled(name string) bool {
	return o.cancels.Has(name)
}

// Cancel 登记取消；内容已完整缓存时返回 ErrAlreadyComplete 且不改变任何状态。
func (o *Orchestrator) Cancel(ctx context.Context, name string) error {
	name = cache.NormalizeName(name)
	if name == "" {
		return ErrInvalidName
	}
	if o.Has(ctx, name) {
		return ErrAlreadyComplete
	}
	o.cancels.Add(name)
	return nil
}

// Remove 删除分区与授权记录，幂等，同时清除残留的取消登记。
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	if o.store == nil {
		return nil
	}
	name = cache.NormalizeName(name)
	if name == "" {
		return ErrInvalidName
	}
	o.cancels.Remove(name)
	o.last.forget(name)
	if err := o.store.DeletePartition(ctx, name); err != nil {
		return fmt.Errorf("delete partition %s: %w", name, err)
	}
	if o.licenses != nil {
		if err := o.licenses.Remove(ctx, name); err != nil {
			return fmt.Errorf("remove license %s: %w", name, err)
		}
	}
	o.logger.WithFields(logrus.Fields{"action": "offline_remove", "partition": name}).Info("offline bundle removed")
	return nil
}

// Status 返回名称的当前状态快照。
func (o *Orchestrator) Status(ctx context.Context, name string) Snapshot {
	name = cache.NormalizeName(name)
	snap := Snapshot{
		Name:       name,
		InFlight:   o.inflight.Has(name),
		Cancelling: o.cancels.Has(name),
	}
	snap.Cached = o.Has(ctx, name)
	if e, ok := o.last.get(name); ok {
		snap.Last = &e
	}
	return snap
}

// List 返回全部已缓存分区名。
func (o *Orchestrator) List(ctx context.Context) ([]string, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.ListPartitions(ctx)
}

// InFlight 返回正在下载的名称。
func (o *Orchestrator) InFlight() []string {
	return o.inflight.Names()
}

// License 返回分区保存的 DRM 会话 ID。
func (o *Orchestrator) License(ctx context.Context, name string) (string, error) {
	if o.licenses == nil {
		return "", license.ErrNoLicense
	}
	return o.licenses.Restore(ctx, cache.NormalizeName(name))
}
