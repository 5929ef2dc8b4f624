package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	rediscommon "wisefido-guardian/internal/common/redis"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// 通话事件类型
const (
	EventCallStarted = "call_started"
	EventFragment    = "fragment"
	EventCallEnded   = "call_ended"
)

// ErrInvalidEvent 事件缺少必填字段或无法解析
var ErrInvalidEvent = errors.New("invalid call event")

// CallEvent 通话事件
type CallEvent struct {
	EventType     string            `json:"event_type"`
	CallID        string            `json:"call_id"`
	ProtectedUser string            `json:"protected_user,omitempty"`
	Counterpart   string            `json:"counterpart,omitempty"`
	Fragments     []models.Fragment `json:"fragments,omitempty"`
	Trigger       string            `json:"trigger,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
}

// Participants 事件携带的号码（均为空时返回 nil）
func (e *CallEvent) Participants() *models.Participants {
	if e.ProtectedUser == "" && e.Counterpart == "" {
		return nil
	}
	return &models.Participants{ProtectedUser: e.ProtectedUser, Counterpart: e.Counterpart}
}

// TriggerKind 默认为增量触发
func (e *CallEvent) TriggerKind() models.TriggerKind {
	if models.TriggerKind(e.Trigger) == models.TriggerForced {
		return models.TriggerForced
	}
	return models.TriggerIncremental
}

// CallHandler 通话事件处理（GuardianService 实现）
type CallHandler interface {
	StartCall(ctx context.Context, callID string, participants *models.Participants) error
	HandleFragments(ctx context.Context, callID string, participants *models.Participants, frags []models.Fragment, trigger models.TriggerKind) error
	EndCall(ctx context.Context, callID string) error
}

// FragmentConsumer 从 Redis Streams 消费通话事件
// 同一通话的事件按流顺序串行处理，不同通话并行处理
type FragmentConsumer struct {
	redisClient  *redis.Client
	handler      CallHandler
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration

	retryInterval time.Duration
	maxDeliveries int
	slots         *semaphore.Weighted

	mu        sync.Mutex
	queues    map[string][]pendingEvent // 存在即表示该通话的 worker 正在运行
	inFlight  map[string]struct{}       // 已派发、尚未处理完的消息 ID
	attempts  map[string]int
	workers   sync.WaitGroup
	retryDue  atomic.Bool
	swept     bool // 是否已完成启动时的全量重投
	lastSweep time.Time
}

type pendingEvent struct {
	id    string
	event *CallEvent
}

// NewFragmentConsumer 创建事件消费者
func NewFragmentConsumer(
	redisClient *redis.Client,
	handler CallHandler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
	block time.Duration,
) *FragmentConsumer {
	if block <= 0 {
		block = time.Second
	}
	c := &FragmentConsumer{
		redisClient:  redisClient,
		handler:      handler,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		block:        block,
		queues:       make(map[string][]pendingEvent),
		inFlight:     make(map[string]struct{}),
		attempts:     make(map[string]int),
	}
	c.SetDeliveryPolicy(5*time.Second, 5, 256)
	return c
}

// SetDeliveryPolicy 设置失败消息的重投间隔、最多处理次数与同时处理上限，需在 Start 前调用
func (c *FragmentConsumer) SetDeliveryPolicy(retryInterval time.Duration, maxDeliveries int, maxInFlight int64) {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	c.retryInterval = retryInterval
	c.maxDeliveries = maxDeliveries
	c.slots = semaphore.NewWeighted(maxInFlight)
}

// Start 启动消费循环，直到 ctx 取消；返回前等待处理中的事件结束
func (c *FragmentConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer c.workers.Wait()

	c.logger.Info("Fragment consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 上次运行遗留的未确认消息
	c.retryDue.Store(true)

	// 指数退避
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.redeliverPending(ctx)
		if err == nil {
			err = c.consumeEvents(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume call events",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			c.retryDue.Store(true)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second
	}
}

// consumeEvents 读取一批新消息并派发
func (c *FragmentConsumer) consumeEvents(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
		c.block,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	return c.dispatchAll(ctx, messages, false)
}

// redeliverPending 重新派发本消费者未确认的消息
// 启动时派发全部遗留消息，之后只在间隔到期时派发处理失败过的消息
func (c *FragmentConsumer) redeliverPending(ctx context.Context) error {
	if !c.retryDue.Load() {
		return nil
	}
	c.mu.Lock()
	if c.swept && time.Since(c.lastSweep) < c.retryInterval {
		c.mu.Unlock()
		return nil
	}
	onlyFailed := c.swept
	c.swept = true
	c.lastSweep = time.Now()
	c.mu.Unlock()
	c.retryDue.Store(false)

	messages, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, 0)
	if err != nil {
		return fmt.Errorf("failed to read pending messages: %w", err)
	}
	if len(messages) > 0 {
		c.logger.Info("Redelivering unacknowledged call events",
			zap.Int("count", len(messages)),
		)
	}
	return c.dispatchAll(ctx, messages, onlyFailed)
}

func (c *FragmentConsumer) dispatchAll(ctx context.Context, messages []rediscommon.StreamMessage, onlyFailed bool) error {
	for _, msg := range messages {
		if err := c.dispatch(ctx, msg, onlyFailed); err != nil {
			return err
		}
	}
	return nil
}

// dispatch 非法消息直接确认丢弃，其余进入对应通话的队列
func (c *FragmentConsumer) dispatch(ctx context.Context, msg rediscommon.StreamMessage, onlyFailed bool) error {
	event, err := ParseEvent(msg)
	if err != nil {
		c.logger.Warn("Dropping malformed call event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		return nil
	}

	c.mu.Lock()
	_, busy := c.inFlight[msg.ID]
	_, failed := c.attempts[msg.ID]
	c.mu.Unlock()
	if busy || (onlyFailed && !failed) {
		return nil
	}

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	c.mu.Lock()
	c.inFlight[msg.ID] = struct{}{}
	queue, running := c.queues[event.CallID]
	c.queues[event.CallID] = append(queue, pendingEvent{id: msg.ID, event: event})
	c.mu.Unlock()

	if !running {
		c.workers.Add(1)
		go c.drain(ctx, event.CallID)
	}
	return nil
}

// drain 按顺序处理单个通话的队列，队列为空时退出
func (c *FragmentConsumer) drain(ctx context.Context, callID string) {
	defer c.workers.Done()
	for {
		c.mu.Lock()
		queue := c.queues[callID]
		if len(queue) == 0 {
			delete(c.queues, callID)
			c.mu.Unlock()
			return
		}
		next := queue[0]
		c.queues[callID] = queue[1:]
		c.mu.Unlock()

		c.process(ctx, next)
		c.slots.Release(1)
	}
}

func (c *FragmentConsumer) process(ctx context.Context, p pendingEvent) {
	err := c.handleEvent(ctx, p.id, p.event)

	c.mu.Lock()
	delete(c.inFlight, p.id)
	attempts := 0
	if err != nil {
		c.attempts[p.id]++
		attempts = c.attempts[p.id]
		if attempts >= c.maxDeliveries {
			delete(c.attempts, p.id)
		}
	} else {
		delete(c.attempts, p.id)
	}
	c.mu.Unlock()

	if err == nil {
		c.ack(ctx, p.id)
		return
	}
	if attempts >= c.maxDeliveries {
		c.logger.Error("Dropping call event after repeated failures",
			zap.String("message_id", p.id),
			zap.String("call_id", p.event.CallID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		c.ack(ctx, p.id)
		return
	}
	c.logger.Error("Failed to process call event, will retry",
		zap.String("message_id", p.id),
		zap.String("call_id", p.event.CallID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	c.retryDue.Store(true)
}

func (c *FragmentConsumer) ack(ctx context.Context, id string) {
	if err := rediscommon.AckMessage(ctx, c.redisClient, c.stream, c.groupName, id); err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}

// wait 等待已派发的事件处理完
func (c *FragmentConsumer) wait() {
	c.workers.Wait()
}

// handleMessage 返回 nil 表示消息可以确认
func (c *FragmentConsumer) handleMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := ParseEvent(msg)
	if err != nil {
		c.logger.Warn("Dropping malformed call event",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}
	return c.handleEvent(ctx, msg.ID, event)
}

// handleEvent 未知类型与已结束通话的迟到消息直接丢弃
func (c *FragmentConsumer) handleEvent(ctx context.Context, id string, event *CallEvent) error {
	var err error
	switch event.EventType {
	case EventCallStarted:
		err = c.handler.StartCall(ctx, event.CallID, event.Participants())
	case EventFragment:
		err = c.handler.HandleFragments(ctx, event.CallID, event.Participants(), event.Fragments, event.TriggerKind())
	case EventCallEnded:
		err = c.handler.EndCall(ctx, event.CallID)
	default:
		c.logger.Warn("Unknown call event type",
			zap.String("event_type", event.EventType),
			zap.String("message_id", id),
		)
		return nil
	}

	if errors.Is(err, store.ErrCallFinalized) || errors.Is(err, store.ErrCallNotFound) {
		c.logger.Debug("Dropping event for inactive call",
			zap.String("call_id", event.CallID),
			zap.String("event_type", event.EventType),
		)
		return nil
	}
	return err
}

// ParseEvent 优先解析 data 字段中的 JSON，否则从平铺字段解析单个片段
func ParseEvent(msg rediscommon.StreamMessage) (*CallEvent, error) {
	if dataStr, ok := msg.Values["data"].(string); ok {
		var event CallEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if event.EventType == "" || event.CallID == "" {
			return nil, fmt.Errorf("%w: missing event_type or call_id", ErrInvalidEvent)
		}
		return &event, nil
	}

	event := &CallEvent{}
	event.EventType, _ = msg.Values["event_type"].(string)
	event.CallID, _ = msg.Values["call_id"].(string)
	event.ProtectedUser, _ = msg.Values["protected_user"].(string)
	event.Counterpart, _ = msg.Values["counterpart"].(string)
	event.Trigger, _ = msg.Values["trigger"].(string)
	if ts, ok := msg.Values["timestamp"].(string); ok {
		event.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
	}

	if event.EventType == "" || event.CallID == "" {
		return nil, fmt.Errorf("%w: missing event_type or call_id", ErrInvalidEvent)
	}

	if text, ok := msg.Values["text"].(string); ok {
		f := models.Fragment{Text: text}
		f.Role, _ = msg.Values["role"].(string)
		f.Speaker, _ = msg.Values["speaker"].(string)
		if v, ok := msg.Values["interrupted"].(string); ok {
			f.Interrupted, _ = strconv.ParseBool(v)
		}
		if v, ok := msg.Values["fragment_timestamp"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				f.Timestamp = ts
			}
		}
		event.Fragments = []models.Fragment{f}
	}

	return event, nil
}
