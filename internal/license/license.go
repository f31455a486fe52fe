// Package license persists DRM license sessions alongside offline
// partitions. The acquisition protocol itself is opaque: an Acquirer turns
// the caller-supplied DRM info into a session identifier, and the Manager
// keeps that identifier in the records store keyed by partition name.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/records"
)

const namespace = "license"

// ErrNoLicense 表示分区没有关联的授权记录。
var ErrNoLicense = errors.New("no license record")

// Info 为调用方提供的 DRM 信息，内容对本系统不透明。
type Info struct {
	KeySystem string            `json:"key_system"`
	ContentID string            `json:"content_id"`
	ServerURL string            `json:"server_url,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Record 是持久化的授权会话。
type Record struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Info      Info      `json:"info"`
	CreatedAt time.Time `json:"created_at"`
}

// Persister 是编排器依赖的授权持久化接口。
type Persister interface {
	Persist(ctx context.Context, name string, info Info) error
	Remove(ctx context.Context, name string) error
	Restore(ctx context.Context, name string) (string, error)
}

// Acquirer 获取授权会话 ID。
type Acquirer interface {
	Acquire(ctx context.Context, name string, info Info) (string, error)
}

// LocalAcquirer 在未配置授权服务时生成本地会话 ID。
type LocalAcquirer struct{}

// Acquire 返回随机会话 ID。
func (LocalAcquirer) Acquire(context.Context, string, Info) (string, error) {
	return uuid.NewString(), nil
}

// Manager 基于 records.Store 实现 Persister。
type Manager struct {
	records  *records.Store
	acquirer Acquirer
	logger   *logrus.Logger
	now      func() time.Time
}

// NewManager 构造 Manager；acquirer 为 nil 时使用 LocalAcquirer。
func NewManager(store *records.Store, acquirer Acquirer, logger *logrus.Logger) *Manager {
	if acquirer == nil {
		acquirer = LocalAcquirer{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{records: store, acquirer: acquirer, logger: logger, now: time.Now}
}

// Persist 获取并保存会话；已有记录时不做任何事。
func (m *Manager) Persist(ctx context.Context, name string, info Info) error {
	exists, err := m.records.Exists(ctx, namespace, name)
	if err != nil {
		return fmt.Errorf("probe license %s: %w", name, err)
	}
	if exists {
		return nil
	}

	sessionID, err := m.acquirer.Acquire(ctx, name, info)
	if err != nil {
		return fmt.Errorf("acquire license %s: %w", name, err)
	}
	record := Record{Name: name, SessionID: sessionID, Info: info, CreatedAt: m.now().UTC()}
	if err := m.records.Put(ctx, namespace, name, record); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"action":     "license_persist",
		"partition":  name,
		"key_system": info.KeySystem,
	}).Info("license session persisted")
	return nil
}

// Remove 删除授权记录，幂等。
func (m *Manager) Remove(ctx context.Context, name string) error {
	return m.records.Delete(ctx, namespace, name)
}

// Restore 返回已保存的会话 ID。
func (m *Manager) Restore(ctx context.Context, name string) (string, error) {
	var record Record
	if err := m.records.Get(ctx, namespace, name, &record); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return "", ErrNoLicense
		}
		return "", err
	}
	return record.SessionID, nil
}
