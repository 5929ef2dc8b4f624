package notify

import (
	"context"
	"fmt"
	"time"

	"wisefido-guardian/internal/collaborator"
	rediscommon "wisefido-guardian/internal/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Authority 举报机构
type Authority struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

var authorities = map[string]Authority{
	"ftc": {
		Key:  "ftc",
		Name: "Federal Trade Commission (FTC)",
		URL:  "https://reportfraud.ftc.gov/",
	},
	"ic3": {
		Key:  "ic3",
		Name: "FBI Internet Crime Complaint Center (IC3)",
		URL:  "https://www.ic3.gov/Home/FileComplaint",
	},
	"donotcall": {
		Key:  "donotcall",
		Name: "National Do Not Call Registry",
		URL:  "https://complaints.donotcall.gov/complaint/complaintcheck.aspx",
	},
}

// ResolveAuthority 未知机构回退到 donotcall
func ResolveAuthority(key string) Authority {
	if a, ok := authorities[key]; ok {
		return a
	}
	return authorities["donotcall"]
}

// AuthorityReportRequest 交给外部举报 worker 的请求
type AuthorityReportRequest struct {
	RequestID   string    `json:"request_id"`
	CallID      string    `json:"call_id"`
	Counterpart string    `json:"counterpart"`
	RiskScore   float64   `json:"risk_score"`
	Reason      string    `json:"reason"`
	Indicators  []string  `json:"indicators"`
	Authority   Authority `json:"authority"`
	RequestedAt time.Time `json:"requested_at"`
}

// AuthorityReportPublisher 将举报请求写入 Redis Streams
type AuthorityReportPublisher struct {
	client    *redis.Client
	stream    string
	authority Authority
}

func NewAuthorityReportPublisher(client *redis.Client, stream, authority string) *AuthorityReportPublisher {
	return &AuthorityReportPublisher{
		client:    client,
		stream:    stream,
		authority: ResolveAuthority(authority),
	}
}

// PublishReport 返回请求 ID
func (p *AuthorityReportPublisher) PublishReport(ctx context.Context, req collaborator.SideEffectRequest) (string, error) {
	r := AuthorityReportRequest{
		RequestID:   uuid.New().String(),
		CallID:      req.CallID,
		Counterpart: req.Counterpart,
		RiskScore:   req.RiskScore,
		Indicators:  []string{},
		Authority:   p.authority,
		RequestedAt: time.Now(),
	}
	if req.Decision != nil {
		r.Reason = req.Decision.Reason
	}
	if req.Analysis != nil {
		r.Indicators = append(r.Indicators, req.Analysis.Indicators...)
	}

	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, r); err != nil {
		return "", fmt.Errorf("failed to publish authority report: %w", err)
	}
	return r.RequestID, nil
}

// AuthorityName 当前配置的机构名称
func (p *AuthorityReportPublisher) AuthorityName() string {
	return p.authority.Name
}
