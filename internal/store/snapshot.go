package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/cespare/xxhash/v2"
)

// SnapshotExporter 每次提交后导出快照，读者只能看到完整版本
type SnapshotExporter interface {
	Export(ctx context.Context, record *models.CallRecord) error
}

// FileExporter 写入 <dir>/<call_id>-<hash>.json（临时文件 + rename）
type FileExporter struct {
	dir string
}

// NewFileExporter 创建文件快照导出器，目录不存在时创建
func NewFileExporter(dir string) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &FileExporter{dir: dir}, nil
}

// Path 返回某通电话的快照路径
func (f *FileExporter) Path(callID string) string {
	return filepath.Join(f.dir, safeFileName(callID)+".json")
}

func (f *FileExporter) Export(ctx context.Context, record *models.CallRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+safeFileName(record.CallID)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, f.Path(record.CallID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// RedisExporter 将快照 JSON 写入 <prefix><call_id>
type RedisExporter struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
}

func NewRedisExporter(kv KVStore, prefix string, ttl time.Duration) *RedisExporter {
	return &RedisExporter{kv: kv, prefix: prefix, ttl: ttl}
}

// Key 快照键
func (r *RedisExporter) Key(callID string) string {
	return r.prefix + callID
}

func (r *RedisExporter) Export(ctx context.Context, record *models.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.kv.Set(ctx, r.Key(record.CallID), string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// Load 读取快照（观察者侧）
func (r *RedisExporter) Load(ctx context.Context, callID string) (*models.CallRecord, error) {
	val, err := r.kv.Get(ctx, r.Key(callID))
	if err != nil {
		return nil, err
	}
	var rec models.CallRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &rec, nil
}

// MultiExporter 依次导出到多个目标，汇总错误
type MultiExporter []SnapshotExporter

func (m MultiExporter) Export(ctx context.Context, record *models.CallRecord) error {
	var errs []error
	for _, e := range m {
		if err := e.Export(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToolStatus 运行中的外部调用指示
type ToolStatus struct {
	CallID          string    `json:"call_id"`
	Tool            string    `json:"current_tool"`
	ToolDescription string    `json:"current_tool_description"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatusPublisher 在运行过程中发布 <prefix><call_id>:status，提交的快照中该指示总是已清空
type StatusPublisher struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
}

func NewStatusPublisher(kv KVStore, prefix string, ttl time.Duration) *StatusPublisher {
	return &StatusPublisher{kv: kv, prefix: prefix, ttl: ttl}
}

// Key 状态键
func (p *StatusPublisher) Key(callID string) string {
	return p.prefix + callID + ":status"
}

func (p *StatusPublisher) Publish(ctx context.Context, status ToolStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal tool status: %w", err)
	}
	return p.kv.Set(ctx, p.Key(status.CallID), string(data), p.ttl)
}

// safeFileName 可读前缀 + 原始 call_id 的哈希，不同 call_id 不会映射到同一文件
func safeFileName(callID string) string {
	return fmt.Sprintf("%s-%016x", sanitize(callID), xxhash.Sum64String(callID))
}

func sanitize(callID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, callID)
}
