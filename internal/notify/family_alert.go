package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-guardian/internal/collaborator"
	"wisefido-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// FamilyAlertMessage 发往短信网关的告警消息
type FamilyAlertMessage struct {
	AlertID       string    `json:"alert_id"`
	CallID        string    `json:"call_id"`
	To            string    `json:"to"`
	ProtectedUser string    `json:"protected_user"`
	Counterpart   string    `json:"counterpart"`
	RiskScore     float64   `json:"risk_score"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// FamilyAlertBody 短信正文
func FamilyAlertBody(protectedUser string, risk float64, details string) string {
	return fmt.Sprintf(
		"Your Family Member with number: %s may have been targeted by a scam call.\n"+
			"Risk Score: %.0f%%\n\n"+
			"Details: %s\n\n"+
			"Guardian Agent has reported the scammer and likely protected them, "+
			"but please reach out to make sure they are okay and did not share information.",
		protectedUser, risk, details,
	)
}

// MQTTAlertSender 通过 MQTT 将家属告警交给短信网关
type MQTTAlertSender struct {
	publisher    Publisher
	topic        string
	familyNumber string
	qos          byte
	logger       *zap.Logger
}

// NewMQTTAlertSender 创建告警发送器
func NewMQTTAlertSender(publisher Publisher, topic, familyNumber string, qos byte, logger *zap.Logger) *MQTTAlertSender {
	return &MQTTAlertSender{
		publisher:    publisher,
		topic:        topic,
		familyNumber: familyNumber,
		qos:          qos,
		logger:       logger,
	}
}

// SendFamilyAlert 实现 collaborator.AlertSender
func (s *MQTTAlertSender) SendFamilyAlert(ctx context.Context, alert collaborator.FamilyAlert) models.SideEffectResult {
	if s.familyNumber == "" {
		return models.SideEffectResult{Message: "family number not configured"}
	}

	msg := FamilyAlertMessage{
		AlertID:       uuid.New().String(),
		CallID:        alert.CallID,
		To:            s.familyNumber,
		ProtectedUser: alert.ProtectedUser,
		Counterpart:   alert.Counterpart,
		RiskScore:     alert.RiskScore,
		Body:          FamilyAlertBody(alert.ProtectedUser, alert.RiskScore, alert.Details),
		CreatedAt:     time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return models.SideEffectResult{Message: fmt.Sprintf("failed to marshal alert: %v", err)}
	}

	if err := s.publisher.Publish(s.topic, s.qos, false, payload); err != nil {
		s.logger.Error("Failed to publish family alert",
			zap.String("call_id", alert.CallID),
			zap.String("topic", s.topic),
			zap.Error(err),
		)
		return models.SideEffectResult{Message: err.Error()}
	}

	return models.SideEffectResult{
		Success:  true,
		Message:  "sent to " + s.familyNumber,
		ReportID: msg.AlertID,
	}
}
