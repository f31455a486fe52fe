// Package background hands whole offline downloads to a transfer facility
// that runs outside the request path and maps the facility's completion
// notifications back onto the orchestrator's foreground contract.
package background

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/asset"
	"github.com/any-hub/offline-hub/internal/offline"
)

// ActionOffline 是发往传输设施的消息类型。
const ActionOffline = "offline"

// Message 是发往传输设施的请求：{action:"offline", id, assets}。
type Message struct {
	Action string        `json:"action"`
	ID     string        `json:"id"`
	Assets []asset.Asset `json:"assets"`
}

// Notification 是传输设施的回执：{offline:true, success, name}。
type Notification struct {
	Offline bool   `json:"offline"`
	Success bool   `json:"success"`
	Name    string `json:"name"`
}

// Facility 接收传输请求。
type Facility interface {
	Post(ctx context.Context, msg Message) error
}

// Tracker 结束后台传输并决定最终事件类型。
type Tracker interface {
	Settle(ctx context.Context, name string, success bool) (offline.EventKind, bool)
}

// Coordinator 实现 offline.Dispatcher。
type Coordinator struct {
	facility Facility
	tracker  Tracker
	emit     func(offline.Event)
	logger   *logrus.Logger
}

// NewCoordinator 构造 Coordinator；emit 通常为 Orchestrator.Emit。
func NewCoordinator(facility Facility, tracker Tracker, emit func(offline.Event), logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if emit == nil {
		emit = func(offline.Event) {}
	}
	return &Coordinator{facility: facility, tracker: tracker, emit: emit, logger: logger}
}

// Dispatch 投递整份资源列表，并立即发出一次 0% 的后台进度事件。
func (c *Coordinator) Dispatch(ctx context.Context, name string, assets []asset.Asset) error {
	msg := Message{Action: ActionOffline, ID: name, Assets: assets}
	if err := c.facility.Post(ctx, msg); err != nil {
		return err
	}
	c.emit(offline.Event{Name: name, Kind: offline.EventProgress, Background: true})
	c.logger.WithFields(logrus.Fields{
		"action":    "background_dispatch",
		"partition": name,
		"assets":    len(assets),
	}).Info("background transfer dispatched")
	return nil
}

// OnNotification 处理原始回执；无法解析、非离线消息或未知 id 均被忽略。
func (c *Coordinator) OnNotification(ctx context.Context, payload []byte) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "background_notify"}).WithError(err).Debug("ignored malformed notification")
		return
	}
	c.Notify(ctx, n)
}

// Notify 处理已解码的回执。
func (c *Coordinator) Notify(ctx context.Context, n Notification) {
	if !n.Offline || n.Name == "" {
		return
	}
	kind, known := c.tracker.Settle(ctx, n.Name, n.Success)
	if !known {
		c.logger.WithFields(logrus.Fields{
			"action":    "background_notify",
			"partition": n.Name,
		}).Debug("ignored notification for untracked transfer")
		return
	}
	c.emit(offline.Event{Name: n.Name, Kind: kind, Background: true})
	c.logger.WithFields(logrus.Fields{
		"action":    "background_notify",
		"partition": n.Name,
		"result":    string(kind),
	}).Info("background transfer settled")
}
