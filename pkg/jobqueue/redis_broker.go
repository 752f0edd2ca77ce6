package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout per class:
//
//	jobs:<class>:seq        INCR counter for FIFO order among equal priorities
//	jobs:<class>:ready      ZSET score=-priority member=<seq %020d>:<id>
//	jobs:<class>:delayed    ZSET score=runAt(ms) member=<priority>|<seq %020d>:<id>
//	jobs:<class>:job:<id>   JSON record
//
// A class given a namespace lives under jobs:<namespace>:<class>:..., so
// processes sharing Redis but handling that class differently never claim
// each other's jobs.
const seqWidth = 20

// claimScript promotes due delayed jobs and pops the best ready member.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(due) do
  local sep = string.find(m, '|', 1, true)
  local prio = tonumber(string.sub(m, 1, sep - 1))
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], tostring(-prio), string.sub(m, sep + 1))
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
return popped[1]
`)

// RedisBroker is a Broker shared by every process pointing at the same Redis.
type RedisBroker struct {
	client             redis.UniversalClient
	prefix             string
	completedRetention time.Duration
	deadRetention      time.Duration
	namespaces         map[Class]string
}

// RedisBrokerOption customises a RedisBroker.
type RedisBrokerOption func(*RedisBroker)

// WithRetention sets how long completed and dead records are kept.
func WithRetention(completed, dead time.Duration) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.completedRetention = completed
		b.deadRetention = dead
	}
}

// WithKeyPrefix namespaces every key, e.g. per environment.
func WithKeyPrefix(prefix string) RedisBrokerOption {
	return func(b *RedisBroker) { b.prefix = prefix }
}

// WithClassNamespace moves the keys of class under namespace.
func WithClassNamespace(class Class, namespace string) RedisBrokerOption {
	return func(b *RedisBroker) {
		if namespace == "" {
			return
		}
		if b.namespaces == nil {
			b.namespaces = make(map[Class]string)
		}
		b.namespaces[class] = namespace
	}
}

// NewRedisBroker creates a broker over client. The caller owns the client.
func NewRedisBroker(client redis.UniversalClient, opts ...RedisBrokerOption) *RedisBroker {
	b := &RedisBroker{
		client:             client,
		completedRetention: 24 * time.Hour,
		deadRetention:      7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) key(class Class, parts ...string) string {
	k := b.prefix + "jobs:"
	if ns, ok := b.namespaces[class]; ok {
		k += ns + ":"
	}
	k += string(class)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBroker) recordKey(class Class, id string) string {
	return b.key(class, "job", id)
}

func readyMember(job *Job) string {
	return fmt.Sprintf("%0*d:%s", seqWidth, job.Seq, job.ID)
}

func idFromMember(member string) (string, error) {
	if len(member) <= seqWidth+1 || member[seqWidth] != ':' {
		return "", fmt.Errorf("jobqueue: malformed queue member %q", member)
	}
	return member[seqWidth+1:], nil
}

func (b *RedisBroker) Add(ctx context.Context, job *Job) error {
	seq, err := b.client.Incr(ctx, b.key(job.Class, "seq")).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: allocate sequence: %w", err)
	}
	job.Seq = seq

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: encode job: %w", err)
	}
	created, err := b.client.SetNX(ctx, b.recordKey(job.Class, job.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: store job: %w", err)
	}
	if !created {
		return ErrDuplicateJob
	}
	return b.schedule(ctx, job)
}

func (b *RedisBroker) schedule(ctx context.Context, job *Job) error {
	var err error
	if !job.RunAt.IsZero() && job.RunAt.After(time.Now()) {
		err = b.client.ZAdd(ctx, b.key(job.Class, "delayed"), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: strconv.Itoa(job.Priority) + "|" + readyMember(job),
		}).Err()
	} else {
		err = b.client.ZAdd(ctx, b.key(job.Class, "ready"), redis.Z{
			Score:  float64(-job.Priority),
			Member: readyMember(job),
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("jobqueue: schedule job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, class Class, now time.Time) (*Job, error) {
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.key(class, "delayed"), b.key(class, "ready")},
		now.UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim %s: %w", class, err)
	}

	id, err := idFromMember(res)
	if err != nil {
		return nil, err
	}
	job, err := b.Get(ctx, class, id)
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	started := now
	job.StartedAt = &started
	if err := b.Save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (b *RedisBroker) Save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: encode job: %w", err)
	}

	var ttl time.Duration
	switch job.State {
	case StateCompleted:
		ttl = b.completedRetention
	case StateDead:
		ttl = b.deadRetention
	}
	if err := b.client.Set(ctx, b.recordKey(job.Class, job.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("jobqueue: save job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job) error {
	if err := b.Save(ctx, job); err != nil {
		return err
	}
	return b.schedule(ctx, job)
}

func (b *RedisBroker) Get(ctx context.Context, class Class, id string) (*Job, error) {
	raw, err := b.client.Get(ctx, b.recordKey(class, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("jobqueue: decode job %s: %w", id, err)
	}
	return &job, nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBroker) Close() error {
	return nil
}
