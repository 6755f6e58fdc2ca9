// Package scan implements prefix iteration over a bucket's metadata
// records: strict ascending lexicographic key order, tombstone filtering,
// and start_after cursor pagination.
package scan

import (
	"fmt"

	"wfldb/internal/object"
	"wfldb/internal/substrate"
)

// Entry is one live (non-tombstoned) result from Scan.
type Entry struct {
	Key      string
	Metadata object.Metadata
}

// Scan returns up to limit live entries in bucket whose keys start with
// prefix, in strict ascending order, starting strictly after startAfter
// (nil means from the beginning of the prefix). A negative limit means
// unbounded. Tombstoned records are never returned; the caller detects
// "more available" by receiving exactly limit entries.
func Scan(sub substrate.Store, bucket, prefix string, startAfter []byte, limit int) ([]Entry, error) {
	fullPrefix := append(object.MetaKeyPrefix(bucket), []byte(prefix)...)

	var cursor []byte
	if startAfter != nil {
		cursor = object.MetaKey(bucket, string(startAfter))
	}

	var results []Entry
	for {
		if limit >= 0 && len(results) >= limit {
			break
		}
		remaining := -1
		if limit >= 0 {
			remaining = limit - len(results)
		}

		raw, err := sub.Scan(substrate.Meta, fullPrefix, cursor, remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", substrate.ErrUnavailable, err)
		}
		if len(raw) == 0 {
			break
		}
		exhausted := remaining >= 0 && len(raw) < remaining

		for _, e := range raw {
			cursor = e.Key
			key, ok := object.SplitMetaKey(bucket, e.Key)
			if !ok {
				continue
			}
			m, err := object.DecodeFrame(e.Value)
			if err != nil {
				return nil, err
			}
			if m.Tombstone {
				continue
			}
			results = append(results, Entry{Key: string(key), Metadata: m})
			if limit >= 0 && len(results) >= limit {
				break
			}
		}

		if exhausted || limit < 0 {
			break
		}
	}
	return results, nil
}
