package ledger

import (
	"fmt"
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// ShardRouter spreads writers across several independent chains so a single
// chain's append lock does not bound throughput. A key always maps to the
// same chain.
type ShardRouter struct {
	base       string
	shards     int
	hasherPool sync.Pool
}

func NewShardRouter(base string, shards int) *ShardRouter {
	if shards < 1 {
		shards = 1
	}
	return &ShardRouter{
		base:   base,
		shards: shards,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return murmur3.New32()
			},
		},
	}
}

func (r *ShardRouter) ChainFor(key string) string {
	if r.shards == 1 {
		return r.chainName(0)
	}
	h := r.hasherPool.Get().(hash.Hash32)
	defer r.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return r.chainName(int(h.Sum32() % uint32(r.shards)))
}

// Chains lists every chain the router can produce.
func (r *ShardRouter) Chains() []string {
	out := make([]string, r.shards)
	for i := range out {
		out[i] = r.chainName(i)
	}
	return out
}

func (r *ShardRouter) chainName(shard int) string {
	return fmt.Sprintf("%s-%d", r.base, shard)
}
