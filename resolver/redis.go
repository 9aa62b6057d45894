package resolver

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/packice/fruina/errs"
)

// Redis is a Resolver backed by one Redis set per objid, external and
// durable across process restarts. Grounded on lease.Redisstore's
// redis.Cmdable + context.WithTimeout pattern, using SAdd/SMembers/SRem
// instead of Set/Get/Del.
type Redis struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedis creates a Redis resolver against a Redis instance described by args.
func NewRedis(args redis.Options) *Redis {
	return &Redis{client: redis.NewClient(&args), timeout: 3 * time.Second}
}

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func candidateKey(objid string) string {
	return "candidates:" + objid
}

// Lookup returns every endpoint currently advertised as holding objid. The
// source tag is always SourceRedis: a Redis set member is just a dial
// string, so no richer provenance survives the round trip.
func (r *Redis) Lookup(objid string) ([]PeerEndpoint, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	members, err := r.client.SMembers(ctx, candidateKey(objid)).Result()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "looking up candidates for %s", objid)
	}

	endpoints := make([]PeerEndpoint, len(members))
	for i, m := range members {
		endpoints[i] = PeerEndpoint{Dial: m, Source: SourceRedis}
	}
	return endpoints, nil
}

// Register adds self.Dial to objid's candidate set.
func (r *Redis) Register(objid string, self PeerEndpoint) error {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.client.SAdd(ctx, candidateKey(objid), self.Dial).Err(); err != nil {
		return errs.Wrap(errs.Internal, err, "registering %s as holder of %s", self.Dial, objid)
	}
	return nil
}

// Unregister removes dial from objid's candidate set.
func (r *Redis) Unregister(objid string, dial string) error {
	ctx, cancel := r.ctx()
	defer cancel()

	if err := r.client.SRem(ctx, candidateKey(objid), dial).Err(); err != nil {
		return errs.Wrap(errs.Internal, err, "unregistering %s as holder of %s", dial, objid)
	}
	return nil
}
