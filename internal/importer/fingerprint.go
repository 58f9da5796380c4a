package importer

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// fingerprinter derives stable provider ids for imported rows, so importing
// the same file twice writes each row once. Identical rows inside one file are
// told apart by their occurrence count.
type fingerprinter struct {
	namespace string
	seen      map[uint64]int
}

func newFingerprinter(namespace string) *fingerprinter {
	return &fingerprinter{namespace: namespace, seen: make(map[uint64]int)}
}

func (f *fingerprinter) id(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s\x00", f.namespace)
	for _, k := range keys {
		_, _ = fmt.Fprintf(h, "%s=%s\x00", k, fields[k])
	}
	sum := h.Sum64()

	n := f.seen[sum]
	f.seen[sum] = n + 1
	if n == 0 {
		return fmt.Sprintf("import_%016x", sum)
	}
	return fmt.Sprintf("import_%016x_%d", sum, n)
}
