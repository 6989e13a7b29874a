package sense

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

const redisWriteTimeout = 2 * time.Second

// Batch is the message published for every batch of frames
type Batch struct {
	RunID      string             `json:"run_id"`
	Device     string             `json:"device"`
	SampleRate int                `json:"sample_rate"`
	Labels     []string           `json:"labels"`
	Timestamp  float64            `json:"timestamp"`
	Lost       int                `json:"lost"`
	Frames     []scientisst.Frame `json:"frames"`
}

// RedisStreamer publishes batches of frames to a Redis channel and keeps the
// most recent ones in a capped list. Each batch carries a nominal timestamp
// advanced by the sample period, reset to the clock whenever sequence
// numbers show lost frames.
type RedisStreamer struct {
	client  *redis.Client
	channel string
	listKey string
	keep    int64
	meta    Metadata
	log     *logrus.Logger

	tracker   *seqTracker
	timestamp time.Time
	period    time.Duration
	now       func() time.Time

	published int
	failed    int
}

func NewRedisStreamer(cfg RedisConfig, meta Metadata, log *logrus.Logger) *RedisStreamer {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisStreamer{
		client:  client,
		channel: cfg.Channel,
		listKey: fmt.Sprintf("%s:%s:frames", cfg.Channel, meta.RunID),
		keep:    cfg.Keep,
		meta:    meta,
		log:     log,
		now:     time.Now,
	}
}

func (rs *RedisStreamer) OnInit() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.client.Close()
		return fmt.Errorf("connecting to redis: %w", err)
	}
	rs.log.Infof("Streaming to redis channel %v", rs.channel)
	return nil
}

func (rs *RedisStreamer) OnStart() error {
	rs.tracker = newSeqTracker()
	rs.timestamp = rs.now()
	rs.period = time.Second
	if rs.meta.SampleRate > 0 {
		rs.period = time.Second / time.Duration(rs.meta.SampleRate)
	}
	return nil
}

// stamp returns the nominal timestamp of the batch and the frames lost before it
func (rs *RedisStreamer) stamp(frames []scientisst.Frame) (time.Time, int) {
	lost := rs.tracker.advance(frames)
	if lost > 0 {
		rs.timestamp = rs.now()
	} else {
		rs.timestamp = rs.timestamp.Add(time.Duration(len(frames)) * rs.period)
	}
	return rs.timestamp, lost
}

func (rs *RedisStreamer) OnRead(frames []scientisst.Frame) {
	ts, lost := rs.stamp(frames)
	msg, err := json.Marshal(Batch{
		RunID:      rs.meta.RunID,
		Device:     rs.meta.Device,
		SampleRate: rs.meta.SampleRate,
		Labels:     rs.meta.Labels(),
		Timestamp:  float64(ts.UnixMicro()) / 1e6,
		Lost:       lost,
		Frames:     frames,
	})
	if err != nil {
		rs.log.Errorf("Encoding batch failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	pipe := rs.client.Pipeline()
	pipe.Publish(ctx, rs.channel, msg)
	if rs.keep > 0 {
		pipe.LPush(ctx, rs.listKey, msg)
		pipe.LTrim(ctx, rs.listKey, 0, rs.keep-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rs.failed++
		rs.log.Warnf("Publishing batch to redis failed: %v", err)
		return
	}
	rs.published++
}

func (rs *RedisStreamer) OnStop() error {
	rs.log.Infof("Published %d batches to redis, %d failed", rs.published, rs.failed)
	return rs.client.Close()
}
