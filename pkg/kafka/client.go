// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"roomchat-go/internal/config"
	"roomchat-go/pkg/log"
	"roomchat-go/pkg/tasks"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是单个任务的最大处理次数，超过后提交 offset 放弃重试。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ArchiveTask) error
}

// Producer 发送归档任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	log.Info("Kafka 生产者初始化成功")
	return &Producer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// ProduceArchiveTask 发送一个归档任务到 Kafka，以房间 ID 作为消息 key。
func (p *Producer) ProduceArchiveTask(ctx context.Context, task tasks.ArchiveTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.RoomID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// attemptCounter 记录任务失败次数。
type attemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

type redisAttempts struct {
	rdb *redis.Client
}

func (a redisAttempts) Incr(ctx context.Context, key string) (int64, error) {
	n, err := a.rdb.Incr(ctx, key).Result()
	if err == nil {
		_ = a.rdb.Expire(ctx, key, 24*time.Hour).Err()
	}
	return n, err
}

func (a redisAttempts) Reset(ctx context.Context, key string) {
	_ = a.rdb.Del(ctx, key).Err()
}

func attemptsKey(task tasks.ArchiveTask) string {
	return "kafka:attempts:" + task.Key()
}

// retryBackoff 是第一次重试前的等待时间，之后按失败次数线性增长。
const retryBackoff = 2 * time.Second

// messageReader 是消费循环用到的 kafka.Reader 方法。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// handleMessage 处理一条消息，失败时在进程内退避重试，直到成功或达到 maxAttempts。
// 返回是否应提交 offset；只有 ctx 在重试期间被取消时返回 false，
// 这时消息未提交，消费者重启后会重新投递。
// attempts 把失败次数记在 Redis 中，进程重启后继续累计；为 nil 或 Redis 异常时使用本地计数。
func handleMessage(ctx context.Context, value []byte, processor TaskProcessor, attempts attemptCounter, backoff time.Duration) bool {
	var task tasks.ArchiveTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}
	key := attemptsKey(task)

	log.Infof("开始处理归档任务: room=%s, messages=%d", task.RoomID, len(task.Messages))
	var local int64
	for {
		err := processor.Process(ctx, task)
		if err == nil {
			log.Infof("归档任务处理成功: room=%s", task.RoomID)
			if attempts != nil {
				attempts.Reset(ctx, key)
			}
			return true
		}

		local++
		n := local
		if attempts != nil {
			if total, incErr := attempts.Incr(ctx, key); incErr == nil {
				n = total
			} else {
				log.Warnf("记录归档任务失败次数失败，使用本地计数: %v", incErr)
			}
		}
		log.Errorf("处理归档任务失败(第 %d 次): room=%s, Error: %v", n, task.RoomID, err)
		if n >= maxAttempts {
			log.Errorf("归档任务多次失败(>=%d)，提交 offset 终止重试: room=%s", maxAttempts, task.RoomID)
			if attempts != nil {
				attempts.Reset(ctx, key)
			}
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff * time.Duration(local)):
		}
	}
}

// consume 逐条拉取消息并处理，处理完成后提交 offset，直到拉取失败或 ctx 取消。
func consume(ctx context.Context, r messageReader, processor TaskProcessor, attempts attemptCounter, backoff time.Duration) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		if !handleMessage(ctx, m.Value, processor, attempts, backoff) {
			// 停机中断了重试，不提交
			break
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// StartConsumer 启动一个 Kafka 消费者来处理归档任务，直到 ctx 取消。
// rdb 可以为 nil，此时失败次数只在进程内计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	var attempts attemptCounter
	if rdb != nil {
		attempts = redisAttempts{rdb: rdb}
	}

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, processor, attempts, retryBackoff)
}
