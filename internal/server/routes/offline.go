package routes

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/asset"
	"github.com/any-hub/offline-hub/internal/license"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// OfflineService 是管理接口依赖的离线下载能力，由 offline.Orchestrator 实现。
type OfflineService interface {
	Enabled() bool
	Add(ctx context.Context, req offline.AddRequest) (*offline.Transfer, error)
	Cancel(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Status(ctx context.Context, name string) offline.Snapshot
	List(ctx context.Context) ([]string, error)
	InFlight() []string
}

// NotifyFunc 接收后台传输设施的原始回执。
type NotifyFunc func(ctx context.Context, payload []byte)

type addPayload struct {
	AssetPath string             `json:"asset_path"`
	PagePath  string             `json:"page_path"`
	Assets    []asset.Descriptor `json:"assets"`
	DRM       *license.Info      `json:"drm"`
}

// RegisterOfflineRoutes 暴露 /-/offline 管理接口：
//
//	GET    /-/offline              已缓存分区与下载中的名称
//	POST   /-/offline/notify       后台传输回执
//	POST   /-/offline/:name        开始离线下载（?wait=true 时等待结束）
//	GET    /-/offline/:name        状态快照
//	POST   /-/offline/:name/cancel 取消下载
//	DELETE /-/offline/:name        删除离线包
func RegisterOfflineRoutes(app *fiber.App, svc OfflineService, notify NotifyFunc, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/offline", func(c fiber.Ctx) error {
		names, err := svc.List(c.Context())
		if err != nil {
			logger.WithFields(logrus.Fields{"action": "offline_list", "request_id": server.RequestID(c)}).WithError(err).Error("list_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
		}
		inflight := svc.InFlight()
		sort.Strings(names)
		sort.Strings(inflight)
		return c.JSON(fiber.Map{
			"enabled":    svc.Enabled(),
			"partitions": nonNil(names),
			"in_flight":  nonNil(inflight),
		})
	})

	app.Post("/-/offline/notify", func(c fiber.Ctx) error {
		if notify == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "background_disabled"})
		}
		payload := append([]byte(nil), c.Body()...)
		notify(c.Context(), payload)
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/offline/:name", func(c fiber.Ctx) error {
		var body addPayload
		if raw := c.Body(); len(strings.TrimSpace(string(raw))) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
			}
		}
		name := c.Params("name")
		transfer, err := svc.Add(c.Context(), offline.AddRequest{
			Name:        name,
			AssetPath:   body.AssetPath,
			PagePath:    body.PagePath,
			Descriptors: body.Assets,
			DRM:         body.DRM,
		})
		if err != nil {
			return renderOfflineError(c, err)
		}
		if transfer == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		if c.Query("wait") != "true" {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"name":       transfer.Name,
				"background": transfer.Background,
			})
		}
		if err := transfer.Wait(c.Context()); err != nil {
			return renderOfflineError(c, err)
		}
		return c.JSON(svc.Status(c.Context(), transfer.Name))
	})

	app.Get("/-/offline/:name", func(c fiber.Ctx) error {
		return c.JSON(svc.Status(c.Context(), c.Params("name")))
	})

	app.Post("/-/offline/:name/cancel", func(c fiber.Ctx) error {
		if err := svc.Cancel(c.Context(), c.Params("name")); err != nil {
			return renderOfflineError(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Delete("/-/offline/:name", func(c fiber.Ctx) error {
		if err := svc.Remove(c.Context(), c.Params("name")); err != nil {
			return renderOfflineError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func renderOfflineError(c fiber.Ctx, err error) error {
	status, code := offlineErrorStatus(err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func offlineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, offline.ErrInvalidName):
		return fiber.StatusBadRequest, "invalid_name"
	case errors.Is(err, offline.ErrInFlight):
		return fiber.StatusConflict, "offline_in_flight"
	case errors.Is(err, offline.ErrAlreadyComplete):
		return fiber.StatusConflict, "offline_complete"
	case errors.Is(err, offline.ErrCancelled):
		return fiber.StatusConflict, "offline_cancelled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout, "request_cancelled"
	default:
		return fiber.StatusBadGateway, "offline_failed"
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
