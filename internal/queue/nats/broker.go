// Package nats implements a durable job broker on NATS JetStream. Job ids
// travel through a work-queue stream, one subject per queue; job records live
// in a key-value bucket and change state by compare-and-swap.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/clock/system"
	"github.com/JakeFAU/repo-indexer/internal/id/uuid"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/queue"
)

const maxCASAttempts = 5

// Config names the JetStream resources and tunes polling.
type Config struct {
	Stream     string
	Bucket     string
	Queues     []string
	FetchWait  time.Duration
	RetryDelay time.Duration
	AckWait    time.Duration
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "JOBS"
	}
	if c.Bucket == "" {
		c.Bucket = "JOBS"
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 250 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
}

// Broker implements ingest.Broker on JetStream.
type Broker struct {
	nc       *natsgo.Conn
	ownsConn bool
	js       natsgo.JetStreamContext
	kv       natsgo.KeyValue
	cfg      Config
	prefix   string
	ids      ingest.IDGenerator
	clock    ingest.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	subs   map[string]*natsgo.Subscription
	closed bool
}

// Connect dials url and builds a Broker that closes the connection on Close.
func Connect(url string, cfg Config, logger *zap.Logger) (*Broker, error) {
	nc, err := natsgo.Connect(url,
		natsgo.Name("repo-indexer"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(5),
		natsgo.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b, err := New(nc, cfg, nil, nil, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New creates the stream and bucket when missing and returns a Broker.
func New(nc *natsgo.Conn, cfg Config, ids ingest.IDGenerator, clock ingest.Clock, logger *zap.Logger) (*Broker, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	cfg.setDefaults()
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	b := &Broker{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		prefix: strings.ToLower(cfg.Stream),
		ids:    ids,
		clock:  clock,
		logger: logging.OrNop(logger),
		subs:   make(map[string]*natsgo.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, natsgo.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&natsgo.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
			Storage: natsgo.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open job bucket %s: %w", cfg.Bucket, err)
	}
	b.kv = kv
	return b, nil
}

func (b *Broker) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsgo.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", b.cfg.Stream, err)
	}
	_, err = b.js.AddStream(&natsgo.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.prefix + ".>"},
		Retention: natsgo.WorkQueuePolicy,
		Storage:   natsgo.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.Stream, err)
	}
	return nil
}

func (b *Broker) subject(queueName string) string {
	return b.prefix + "." + queueName
}

// subscription binds a pull subscription to the durable consumer of a queue,
// creating the consumer on first use.
func (b *Broker) subscription(queueName string) (*natsgo.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[queueName]; ok {
		return sub, nil
	}
	durable := "jobs_" + queueName
	if _, err := b.js.ConsumerInfo(b.cfg.Stream, durable); err != nil {
		if !errors.Is(err, natsgo.ErrConsumerNotFound) {
			return nil, fmt.Errorf("lookup consumer %s: %w", durable, err)
		}
		_, err = b.js.AddConsumer(b.cfg.Stream, &natsgo.ConsumerConfig{
			Durable:       durable,
			FilterSubject: b.subject(queueName),
			AckPolicy:     natsgo.AckExplicitPolicy,
			AckWait:       b.cfg.AckWait,
			DeliverPolicy: natsgo.DeliverAllPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}
	sub, err := b.js.PullSubscribe(b.subject(queueName), durable, natsgo.Bind(b.cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queueName, err)
	}
	b.subs[queueName] = sub
	return sub, nil
}

// Submit stores the job record and publishes its id on the queue subject.
func (b *Broker) Submit(ctx context.Context, sub ingest.Submission) (ingest.Job, error) {
	if b.isClosed() {
		return ingest.Job{}, ingest.ErrQueueClosed
	}
	id, err := b.ids.NewID()
	if err != nil {
		return ingest.Job{}, fmt.Errorf("submit job: %w", err)
	}
	now := b.clock.Now()
	job, err := queue.NewJob(sub, id, now)
	if err != nil {
		return ingest.Job{}, err
	}
	if job.DependsOn != "" {
		status, info := queue.Resolve(job, b.lookup(job.DependsOn), now)
		if status == ingest.JobFailed {
			if err := queue.Fail(&job, info, now); err != nil {
				return ingest.Job{}, err
			}
		} else {
			job.Status = status
		}
	}
	data, err := json.Marshal(job)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("marshal job: %w", err)
	}
	if _, err := b.kv.Create(job.ID, data); err != nil {
		return ingest.Job{}, fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if queue.Waiting(job.Status) {
		if _, err := b.js.Publish(b.subject(job.Queue), []byte(job.ID), natsgo.Context(ctx)); err != nil {
			return ingest.Job{}, fmt.Errorf("publish job %s: %w", job.ID, err)
		}
	}
	b.logger.Debug("job submitted",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("handler", job.Handler),
		zap.String("status", string(job.Status)),
	)
	return job, nil
}

// Dequeue polls queues in order until one yields an eligible job, which is
// marked started and acknowledged.
func (b *Broker) Dequeue(ctx context.Context, queues ...string) (ingest.Job, error) {
	if len(queues) == 0 {
		return ingest.Job{}, errors.New("dequeue: no queues given")
	}
	for {
		if b.isClosed() {
			return ingest.Job{}, ingest.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return ingest.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		for _, name := range queues {
			sub, err := b.subscription(name)
			if err != nil {
				return ingest.Job{}, err
			}
			msgs, err := sub.Fetch(1, natsgo.MaxWait(b.cfg.FetchWait))
			if err != nil {
				if errors.Is(err, natsgo.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if b.isClosed() {
					return ingest.Job{}, ingest.ErrQueueClosed
				}
				return ingest.Job{}, fmt.Errorf("fetch %s: %w", name, err)
			}
			for _, msg := range msgs {
				job, ok := b.claim(msg)
				if ok {
					return job, nil
				}
			}
		}
	}
}

// claim resolves the job behind msg and settles the message accordingly.
func (b *Broker) claim(msg *natsgo.Msg) (ingest.Job, bool) {
	id := string(msg.Data)
	now := b.clock.Now()
	var (
		claimed bool
		delay   time.Duration
	)
	job, err := b.update(id, func(j *ingest.Job) error {
		claimed, delay = false, 0
		if !queue.Waiting(j.Status) {
			return errSkip
		}
		var dep *ingest.Job
		if j.DependsOn != "" {
			dep = b.lookup(j.DependsOn)
		}
		status, info := queue.Resolve(*j, dep, now)
		switch status {
		case ingest.JobScheduled:
			delay = j.RunAt.Sub(now)
			return errSkip
		case ingest.JobDeferred:
			delay = b.cfg.RetryDelay
			if j.Status == ingest.JobDeferred {
				return errSkip
			}
			j.Status = ingest.JobDeferred
			return nil
		case ingest.JobFailed:
			return queue.Fail(j, info, now)
		}
		queue.Start(j, now)
		claimed = true
		return nil
	})
	switch {
	case errors.Is(err, ingest.ErrJobNotFound):
		b.logger.Warn("dropping message for unknown job", zap.String("job_id", id))
		_ = msg.Term()
		return ingest.Job{}, false
	case err != nil && !errors.Is(err, errSkip):
		b.logger.Error("claim job failed", zap.String("job_id", id), zap.Error(err))
		_ = msg.NakWithDelay(b.cfg.RetryDelay)
		return ingest.Job{}, false
	}
	if delay > 0 {
		_ = msg.NakWithDelay(delay)
		return ingest.Job{}, false
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("ack job message failed", zap.String("job_id", id), zap.Error(err))
	}
	return job, claimed
}

var errSkip = errors.New("skip update")

// update applies fn to the stored record with compare-and-swap, retrying on
// concurrent writers. fn returning errSkip leaves the record untouched.
func (b *Broker) update(id string, fn func(*ingest.Job) error) (ingest.Job, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := b.kv.Get(id)
		if errors.Is(err, natsgo.ErrKeyNotFound) {
			return ingest.Job{}, fmt.Errorf("job %s: %w", id, ingest.ErrJobNotFound)
		}
		if err != nil {
			return ingest.Job{}, fmt.Errorf("load job %s: %w", id, err)
		}
		var job ingest.Job
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			return ingest.Job{}, fmt.Errorf("decode job %s: %w", id, err)
		}
		if err := fn(&job); err != nil {
			return job, err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return ingest.Job{}, fmt.Errorf("marshal job %s: %w", id, err)
		}
		if _, err := b.kv.Update(id, data, entry.Revision()); err != nil {
			lastErr = err
			continue
		}
		return job, nil
	}
	return ingest.Job{}, fmt.Errorf("update job %s: %w", id, lastErr)
}

// Finish marks a job finished.
func (b *Broker) Finish(_ context.Context, jobID string, result any) error {
	now := b.clock.Now()
	if _, err := b.update(jobID, func(j *ingest.Job) error {
		return queue.Finish(j, result, now)
	}); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// Fail marks a job failed. Jobs deferred on it fail when next redelivered.
func (b *Broker) Fail(_ context.Context, jobID string, info string) error {
	now := b.clock.Now()
	if _, err := b.update(jobID, func(j *ingest.Job) error {
		return queue.Fail(j, info, now)
	}); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Get returns a job record.
func (b *Broker) Get(_ context.Context, jobID string) (ingest.Job, error) {
	entry, err := b.kv.Get(jobID)
	if errors.Is(err, natsgo.ErrKeyNotFound) {
		return ingest.Job{}, fmt.Errorf("job %s: %w", jobID, ingest.ErrJobNotFound)
	}
	if err != nil {
		return ingest.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job ingest.Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return ingest.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// List returns jobs matching filter, newest first.
func (b *Broker) List(ctx context.Context, filter ingest.JobFilter) ([]ingest.Job, error) {
	jobs, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	return queue.Filter(jobs, filter), nil
}

// Stats counts jobs per queue.
func (b *Broker) Stats(ctx context.Context) ([]ingest.QueueStats, error) {
	jobs, err := b.all(ctx)
	if err != nil {
		return nil, err
	}
	return queue.Tally(jobs, b.cfg.Queues), nil
}

func (b *Broker) all(ctx context.Context) ([]ingest.Job, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, natsgo.ErrNoKeysFound) {
		return []ingest.Job{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	jobs := make([]ingest.Job, 0, len(keys))
	for _, key := range keys {
		job, err := b.Get(ctx, key)
		if errors.Is(err, ingest.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Broker) lookup(jobID string) *ingest.Job {
	job, err := b.Get(context.Background(), jobID)
	if err != nil {
		return nil
	}
	return &job
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close unbinds subscriptions and, when the broker dialed it, closes the connection.
// Durable consumers and stored jobs are left in place.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = map[string]*natsgo.Subscription{}
	b.mu.Unlock()

	var errs []error
	for name, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", name, err))
		}
	}
	if b.ownsConn {
		b.nc.Close()
	}
	return errors.Join(errs...)
}

var _ ingest.Broker = (*Broker)(nil)
