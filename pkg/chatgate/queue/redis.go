package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// promoteScript moves due members of the delayed set into their lane lists
// in one server-side step.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	local job = cjson.decode(member)
	redis.call('RPUSH', ARGV[3] .. job['lane'], member)
end
return #due
`)

// RedisStore keeps lanes in lists, the delayed set in a sorted set scored
// by due time in milliseconds, and dead letters in a hash.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an open client. prefix namespaces every key.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatgate:queue"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) laneKey(l Lane) string { return s.prefix + ":lane:" + string(l) }
func (s *RedisStore) delayedKey() string    { return s.prefix + ":delayed" }
func (s *RedisStore) deadKey() string       { return s.prefix + ":dead" }

func (s *RedisStore) Push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.laneKey(job.Lane), raw).Err()
}

func (s *RedisStore) Pop(ctx context.Context, lane Lane) (*Job, error) {
	raw, err := s.rdb.LPop(ctx, s.laneKey(lane)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Schedule(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{
		Score:  float64(job.ScheduledAt.UnixMilli()),
		Member: string(raw),
	}).Err()
}

func (s *RedisStore) Promote(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{s.delayedKey()},
		strconv.FormatInt(now.UnixMilli(), 10), limit, s.prefix+":lane:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	return n, nil
}

func (s *RedisStore) DeadLetter(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.deadKey(), job.ID, raw).Err()
}

func (s *RedisStore) DeadLetters(ctx context.Context) ([]*Job, error) {
	all, err := s.rdb.HGetAll(ctx, s.deadKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(all))
	for _, raw := range all {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		out = append(out, &job)
	}
	sortByFailure(out)
	return out, nil
}

func (s *RedisStore) TakeDeadLetter(ctx context.Context, id string) (*Job, error) {
	var raw string
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, s.deadKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, s.deadKey(), id)
			return nil
		})
		raw = v
		return err
	}, s.deadKey())
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	lanes := make(map[Lane]*redis.IntCmd, len(Lanes))
	for _, l := range Lanes {
		lanes[l] = pipe.LLen(ctx, s.laneKey(l))
	}
	delayed := pipe.ZCard(ctx, s.delayedKey())
	dead := pipe.HLen(ctx, s.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}

	st := Stats{Lanes: make(map[Lane]int64, len(Lanes))}
	for l, cmd := range lanes {
		st.Lanes[l] = cmd.Val()
	}
	st.Delayed = delayed.Val()
	st.DeadLetter = dead.Val()
	return st, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// slidingWindowScript trims the window, then admits the call if the
// remaining count is under quota.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return 1
end
return 0
`)

// RedisLimiter is a sliding-window limiter shared by every process using
// the same Redis.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter namespaced under prefix.
func NewRedisLimiter(rdb *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "chatgate:queue"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix + ":rl:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, quota int, window time.Duration) (bool, error) {
	n, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + key},
		l.now().UnixMilli(), window.Milliseconds(), quota, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return n == 1, nil
}
