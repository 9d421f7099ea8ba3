package worklist

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// AllComplete reports whether no benchmark under root has pending work.
//
// Shards are visited in lexical order. The first non-empty shard ends the
// scan with false; every empty shard seen before that is deleted. Callers
// must therefore not treat this as a read-only query.
func AllComplete(root string, l Layout) (bool, error) {
	bms, err := Benchmarks(root)
	if err != nil {
		return false, fmt.Errorf("list benchmarks: %w", err)
	}
	for _, bm := range bms {
		set, err := l.Shards(bm)
		if err != nil {
			return false, err
		}
		for _, shard := range set.Visible {
			st, err := os.Stat(shard)
			if err != nil {
				return false, fmt.Errorf("stat shard: %w", err)
			}
			if st.Size() > 0 {
				return false, nil
			}
			if err := os.Remove(shard); err != nil {
				return false, fmt.Errorf("prune shard: %w", err)
			}
			log.Debug().Str("shard", shard).Msg("Pruned empty shard")
		}
	}
	return true, nil
}
