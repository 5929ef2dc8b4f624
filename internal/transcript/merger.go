package transcript

import (
	"strings"
	"time"

	"wisefido-guardian/internal/models"
)

// 不同触发源使用的角色 / 说话人词汇
var speakerVocabulary = map[string]models.Speaker{
	// 守护代理（任何 assistant 来源）
	"assistant": models.SpeakerGuardian,
	"agent":     models.SpeakerGuardian,
	"guardian":  models.SpeakerGuardian,
	"ai":        models.SpeakerGuardian,

	// 通话对方
	"caller":             models.SpeakerCounterpart,
	"counterpart":        models.SpeakerCounterpart,
	"scammer":            models.SpeakerCounterpart,
	"potential_scammer":  models.SpeakerCounterpart,
	"pottential_scammer": models.SpeakerCounterpart,

	// 被保护用户
	"protected_user": models.SpeakerProtectedUser,
	"protecteduser":  models.SpeakerProtectedUser,
	"callee":         models.SpeakerProtectedUser,

	// 未区分的人类说话人
	"user":       models.SpeakerUnresolved,
	"human":      models.SpeakerUnresolved,
	"unresolved": models.SpeakerUnresolved,
	"unknown":    models.SpeakerUnresolved,
}

// 非对话内容，直接丢弃
var droppedRoles = map[string]bool{
	"system":   true,
	"tool":     true,
	"function": true,
}

// NormalizeSpeaker 将片段的角色标签映射为规范说话人
// 已分配的 Speaker 字段优先于原始 Role；无法识别的人类标签视为未识别
func NormalizeSpeaker(f models.Fragment) (models.Speaker, bool) {
	tag := strings.ToLower(strings.TrimSpace(f.Speaker))
	if tag == "" {
		tag = strings.ToLower(strings.TrimSpace(f.Role))
	}
	if droppedRoles[tag] {
		return "", false
	}
	if s, ok := speakerVocabulary[tag]; ok {
		return s, true
	}
	return models.SpeakerUnresolved, true
}

// FragmentKey 去重键：文本 + 来源时间戳（无时间戳时仅按文本）
func FragmentKey(text string, ts time.Time) string {
	if ts.IsZero() {
		return text + "|"
	}
	return text + "|" + ts.UTC().Format(time.RFC3339Nano)
}

// Merger 将输入片段规范化后追加到转写
type Merger struct{}

// NewMerger 创建合并器
func NewMerger() *Merger {
	return &Merger{}
}

// Merge 追加未出现过的片段，保持到达顺序，返回新增条数
// 缺少文本或属于非对话角色的片段静默丢弃
func (m *Merger) Merge(record *models.CallRecord, frags []models.Fragment, now time.Time) int {
	if len(frags) == 0 {
		return 0
	}

	seen := make(map[string]struct{}, len(record.Transcript)+len(frags))
	for _, e := range record.Transcript {
		seen[e.FragmentKey] = struct{}{}
	}

	added := 0
	for _, f := range frags {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		speaker, ok := NormalizeSpeaker(f)
		if !ok {
			continue
		}

		key := FragmentKey(text, f.Timestamp)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		ts := f.Timestamp
		if ts.IsZero() {
			ts = now
		}
		record.Transcript = append(record.Transcript, models.TranscriptEntry{
			Speaker:     speaker,
			Text:        text,
			Timestamp:   ts,
			Interrupted: f.Interrupted,
			FragmentKey: key,
		})
		added++
	}

	return added
}

// AppendGuardian 追加守护代理发言
func (m *Merger) AppendGuardian(record *models.CallRecord, text string, now time.Time) bool {
	return m.Merge(record, []models.Fragment{{
		Speaker:   string(models.SpeakerGuardian),
		Text:      text,
		Timestamp: now,
	}}, now) == 1
}
