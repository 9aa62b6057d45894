package lease

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/packice/fruina/errs"
)

// Args is the Redis client configuration, re-exported so callers do not need
// to import go-redis directly just to construct a Redisstore.
type Args = redis.Options

// Redisstore is a distributed Store backed by Redis: each lease is a JSON
// value at key "lease:<id>" with a Redis TTL mirroring the lease's own, so an
// expired lease disappears from Redis without an explicit sweep. Per
// SPEC_FULL §4.B this store fails closed: when the client cannot reach
// Redis, every call returns Internal rather than silently trusting a local
// copy.
type Redisstore struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisstore creates a Redisstore against a Redis instance described by args.
func NewRedisstore(args Args) *Redisstore {
	return &Redisstore{client: redis.NewClient(&args), timeout: 3 * time.Second}
}

func (r *Redisstore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func leaseKey(id ID) string {
	return "lease:" + string(id)
}

func (r *Redisstore) Issue(objid string, flags AccessFlags, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}

	now := time.Now()
	l := Lease{
		ID:       NewID(),
		ObjectID: objid,
		Flags:    flags,
		IssuedAt: now,
	}

	redisTTL := redis.KeepTTL
	if ttl == 0 {
		l.ExplicitRelease = true
	} else {
		l.ExpiresAt = now.Add(ttl)
		redisTTL = ttl
	}

	buf, err := json.Marshal(l)
	if err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "encoding lease")
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Set(ctx, leaseKey(l.ID), buf, redisTTL).Err(); err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "issuing lease in redis")
	}
	return l, nil
}

func (r *Redisstore) Lookup(id ID) (Lease, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	val, err := r.client.Get(ctx, leaseKey(id)).Bytes()
	if err == redis.Nil {
		return Lease{}, errs.New(errs.NotFound, "lease %s not found", id)
	}
	if err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "looking up lease %s", id)
	}

	var l Lease
	if err := json.Unmarshal(val, &l); err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "decoding lease %s", id)
	}
	if !l.Valid(time.Now()) {
		return Lease{}, errs.New(errs.NotFound, "lease %s expired", id)
	}
	return l, nil
}

func (r *Redisstore) SetFlags(id ID, flags AccessFlags) (Lease, error) {
	l, err := r.Lookup(id)
	if err != nil {
		return Lease{}, err
	}
	l.Flags = flags

	buf, err := json.Marshal(l)
	if err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "encoding lease")
	}

	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Set(ctx, leaseKey(l.ID), buf, redis.KeepTTL).Err(); err != nil {
		return Lease{}, errs.Wrap(errs.Internal, err, "updating lease %s", id)
	}
	return l, nil
}

func (r *Redisstore) Release(id ID) error {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.client.Del(ctx, leaseKey(id)).Err(); err != nil {
		return errs.Wrap(errs.Internal, err, "releasing lease %s", id)
	}
	return nil
}

// SweepExpired reports no expired ids for Redisstore: Redis's own per-key
// TTL already expires leases server-side. It pings Redis, returning an
// Internal error when the ping fails and a nil slice otherwise.
func (r *Redisstore) SweepExpired(now time.Time) ([]ID, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "redis health check failed")
	}
	return nil, nil
}
