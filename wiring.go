package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/asset"
	"github.com/any-hub/offline-hub/internal/background"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/license"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/ranged"
	"github.com/any-hub/offline-hub/internal/records"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/upstream"
)

// appRuntime 持有 serve 与 CLI 子命令共享的组件。
type appRuntime struct {
	store        cache.Store
	records      *records.Store
	orchestrator *offline.Orchestrator
	coordinator  *background.Coordinator
	worker       *background.Worker
	content      server.ContentHandler

	closers []func() error
}

// buildRuntime 按配置装配缓存、记录存储、授权、编排器与内容处理链。
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	g := cfg.Global
	rt := &appRuntime{}

	store, closeStore, err := cache.OpenStore(ctx, g.StoragePath, cache.WithChunkSize(g.ChunkSize))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	rec, err := records.Open(ctx, g.RecordsPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("初始化记录存储失败: %w", err)
	}
	rt.records = rec
	rt.closers = append(rt.closers, rec.Close)

	descriptors, err := cfg.Descriptors()
	if err != nil {
		rt.Close()
		return nil, err
	}
	resolver, err := asset.NewResolver(g.Origin)
	if err != nil {
		rt.Close()
		return nil, err
	}

	client := upstream.NewClient(g.UpstreamTimeout.DurationValue())
	fetcher := upstream.NewFetcher(client, logger)

	var acquirer license.Acquirer = license.LocalAcquirer{}
	if g.LicenseServer != "" {
		acquirer = license.HTTPAcquirer{Client: client, Server: g.LicenseServer}
	}
	licenses := license.NewManager(rec, acquirer, logger)

	orch := offline.New(offline.Options{
		Store:       store,
		Fetcher:     fetcher,
		Licenses:    licenses,
		Resolver:    resolver,
		Descriptors: descriptors,
		Sink:        eventLogger(logger),
		Logger:      logger,
	})
	rt.orchestrator = orch

	if g.BackgroundTransfers {
		worker := background.NewWorker(background.WorkerOptions{
			Store:     store,
			Fetcher:   fetcher,
			Records:   rec,
			Workers:   g.BackgroundWorkers,
			Cancelled: orch.Cancelled,
			Track:     orch.Track,
			Logger:    logger,
		})
		coord := background.NewCoordinator(worker, orch, orch.Emit, logger)
		worker.SetNotifier(coord.OnNotification)
		orch.SetBackground(coord)
		if err := worker.Start(ctx); err != nil {
			worker.Stop()
			rt.Close()
			return nil, fmt.Errorf("启动后台传输失败: %w", err)
		}
		rt.worker = worker
		rt.coordinator = coord
	}

	handler := proxy.NewHandler(proxy.Options{
		Ranges: ranged.New(store, ranged.Options{
			PrefetchPartition: g.PrefetchPartition,
			Logger:            logger,
		}),
		Upstream:     fetcher,
		Origin:       g.Origin,
		FetchTimeout: g.FetchTimeout.DurationValue(),
		NotFoundPath: g.NotFoundPath,
		Logger:       logger,
	})
	rt.content = proxy.NewForwarder(handler, logger)
	return rt, nil
}

// Close 停止后台设施并逆序关闭存储。
func (rt *appRuntime) Close() error {
	if rt.worker != nil {
		rt.worker.Stop()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// eventLogger 将下载事件写入结构化日志。
func eventLogger(logger *logrus.Logger) offline.Sink {
	return offline.SinkFunc(func(e offline.Event) {
		fields := logrus.Fields{
			"action":     "offline_event",
			"partition":  e.Name,
			"kind":       string(e.Kind),
			"loaded":     e.Loaded,
			"total":      e.Total,
			"background": e.Background,
		}
		if e.Error != "" {
			fields["error"] = e.Error
			logger.WithFields(fields).Warn("offline event")
			return
		}
		logger.WithFields(fields).Debug("offline event")
	})
}
