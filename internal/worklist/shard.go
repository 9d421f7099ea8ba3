package worklist

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ShardSet is the worklist of one benchmark as seen at one instant.
type ShardSet struct {
	// Visible shards may be read and appended to by the coordinator.
	Visible []string
	// Locked counts shards a worker is currently rewriting.
	Locked int
}

// Shards lists the worklist shards of a benchmark. A shard whose name ends
// with the lock suffix belongs to a worker and is only counted.
func (l Layout) Shards(bmDir string) (ShardSet, error) {
	var set ShardSet
	entries, err := os.ReadDir(bmDir)
	if err != nil {
		return set, fmt.Errorf("list shards of %s: %w", bmDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, l.ShardPrefix) {
			continue
		}
		if l.LockSuffix != "" && strings.HasSuffix(name, l.LockSuffix) {
			set.Locked++
			continue
		}
		set.Visible = append(set.Visible, filepath.Join(bmDir, name))
	}
	sort.Strings(set.Visible)
	return set, nil
}

// AppendShard appends ids to a shard, one per line, creating it if needed.
func AppendShard(path string, ids []ConfigID) error {
	if len(ids) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		if _, err := w.WriteString(string(id) + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("write shard %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write shard %s: %w", path, err)
	}
	return f.Close()
}
