package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (c RedisTLSConfig) enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.KeyFile != "" || c.InsecureSkipVerify
}

// RedisConfig configures the Redis Streams publisher. Addrs with more than
// one entry selects a cluster client, and MasterName a sentinel client.
// Group is the prefix for the consumer group each subscription creates.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	MaxLen       int64
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

const (
	defaultStream       = "ftl:sessions"
	defaultGroup        = "ftl-consumers"
	defaultMaxLen       = 10000
	defaultBlockTimeout = 2 * time.Second
	defaultRedisBuffer  = 128
	readBatch           = 32
	retryDelay          = 200 * time.Millisecond
	groupTimeout        = 5 * time.Second
	ackTimeout          = time.Second
)

// Stream entry fields.
const (
	fieldType    = "type"
	fieldPayload = "payload"
)

func (c RedisConfig) addrs() []string {
	var out []string
	for _, addr := range append(append([]string(nil), c.Addrs...), c.Addr) {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c RedisConfig) withDefaults() RedisConfig {
	c.Stream = strings.TrimSpace(c.Stream)
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	c.Group = strings.TrimSpace(c.Group)
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = defaultBlockTimeout
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultRedisBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RedisPublisher implements Publisher on Redis Streams. Every event is one
// XADD entry with "type" and "payload" fields. Each subscription reads
// through its own consumer group, so every subscriber sees every event
// published after it subscribed.
type RedisPublisher struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisPublisher connects to Redis and checks that it answers.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addrs := cfg.addrs()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	cfg = cfg.withDefaults()

	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil && tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addrs[0]); err == nil {
			tlsConfig.ServerName = host
		}
	}

	p := &RedisPublisher{
		cfg: cfg,
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        addrs,
			MasterName:   strings.TrimSpace(cfg.MasterName),
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			TLSConfig:    tlsConfig,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   2,
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), groupTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		_ = p.client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return p, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errMissingType
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.append(ctx, map[string]any{fieldType: string(event.Type), fieldPayload: string(payload)})
}

func (p *RedisPublisher) append(ctx context.Context, values map[string]any) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.Stream,
		MaxLen: p.cfg.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.cfg.Stream, err)
	}
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Subscribe implements Publisher. The subscription's consumer group is
// created before Subscribe returns and starts at the stream's tail. If that
// fails the reader keeps retrying, and events published in between are lost.
func (p *RedisPublisher) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	sub := &redisSubscription{
		publisher: p,
		group:     p.cfg.Group + ":" + id,
		consumer:  "consumer-" + id,
		cancel:    cancel,
		ch:        make(chan Event, p.cfg.Buffer),
	}

	gctx, gcancel := context.WithTimeout(ctx, groupTimeout)
	if err := sub.ensureGroup(gctx); err != nil {
		p.cfg.Logger.Warn("redis consumer group not ready", "group", sub.group, "error", err)
	}
	gcancel()

	go sub.run(ctx)
	return sub
}

type redisSubscription struct {
	publisher  *RedisPublisher
	group      string
	consumer   string
	cancel     context.CancelFunc
	ch         chan Event
	groupReady atomic.Bool
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops the reader. The reader acknowledges what it delivered, drops
// the consumer group and then closes the channel, so Events can be drained
// after Close.
func (s *redisSubscription) Close() {
	s.cancel()
}

// ensureGroup creates the consumer group at the stream's tail. Failures are
// retried on the next call.
func (s *redisSubscription) ensureGroup(ctx context.Context) error {
	if s.groupReady.Load() {
		return nil
	}
	p := s.publisher
	err := p.client.XGroupCreateMkStream(ctx, p.cfg.Stream, s.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	s.groupReady.Store(true)
	return nil
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.destroyGroup()
	logger := s.publisher.cfg.Logger
	for ctx.Err() == nil {
		messages, err := s.read(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			logger.Warn("redis stream read failed", "stream", s.publisher.cfg.Stream, "error", err)
			pause(ctx, retryDelay)
			continue
		}
		for _, message := range messages {
			event, err := decodeEntry(message)
			if err != nil {
				logger.Error("redis stream decode failed", "id", message.ID, "error", err)
				s.ack(ctx, message.ID)
				continue
			}
			select {
			case s.ch <- event:
				s.ack(ctx, message.ID)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("ensure group: %w", err)
	}
	p := s.publisher
	streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{p.cfg.Stream, ">"},
		Count:    readBatch,
		Block:    p.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

// ack runs detached from ctx so an entry handed over just before Close is
// still acknowledged.
func (s *redisSubscription) ack(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	p := s.publisher
	if err := p.client.XAck(ctx, p.cfg.Stream, s.group, id).Err(); err != nil {
		p.cfg.Logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// destroyGroup removes the subscription's consumer group together with any
// entries it read but never delivered.
func (s *redisSubscription) destroyGroup() {
	if !s.groupReady.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	p := s.publisher
	if err := p.client.XGroupDestroy(ctx, p.cfg.Stream, s.group).Err(); err != nil {
		p.cfg.Logger.Warn("redis consumer group cleanup failed", "group", s.group, "error", err)
	}
}

func decodeEntry(message redis.XMessage) (Event, error) {
	payload, _ := message.Values[fieldPayload].(string)
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		return Event{}, errMissingType
	}
	return event, nil
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isBusyGroup(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "BUSYGROUP")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if !cfg.enabled() {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed lab setups
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
