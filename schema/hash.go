package schema

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

// computeHash derives the schema-scoped storage namespace: a stable
// 16-hex-character digest over every node's canonical output and canonical
// inputs, sorted by output so definition order never affects the hash. Two
// schemas with the same node set, written in any order, share storage; any
// change to a node's shape starts a fresh namespace.
func computeHash(nodes []*CompiledNode) (string, error) {
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		var b strings.Builder
		b.WriteString(n.OutputCanonical)
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(n.InputCanonicals)))
		for _, in := range n.InputCanonicals {
			b.WriteByte('|')
			b.WriteString(in)
		}
		lines = append(lines, b.String())
	}
	sort.Strings(lines)

	h := blake3.New(32, nil)
	for _, l := range lines {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{'\n'})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8]), nil
}
