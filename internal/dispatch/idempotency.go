package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// deriveIdempotencyKey builds a deterministic key for dispatches whose
// caller supplied none: a hash of tenant, intent, canonicalized params,
// and the current UTC hour. Two identical requests inside the same hour
// collapse onto one run; the hour bucket bounds how long the collision
// window lasts.
func deriveIdempotencyKey(tenantID, intentKey string, params map[string]any, now time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", tenantID, intentKey)
	writeCanonical(h, params)
	fmt.Fprintf(h, "|%s", now.UTC().Format("2006-01-02T15"))
	return "drv-" + hex.EncodeToString(h.Sum(nil))[:40]
}

// writeCanonical serializes v with sorted map keys so equal params hash
// equally regardless of map iteration order.
func writeCanonical(w interface{ Write([]byte) (int, error) }, v any) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte("{"))
		for _, k := range keys {
			w.Write([]byte(k))
			w.Write([]byte(":"))
			writeCanonical(w, node[k])
			w.Write([]byte(","))
		}
		w.Write([]byte("}"))
	case []any:
		w.Write([]byte("["))
		for _, item := range node {
			writeCanonical(w, item)
			w.Write([]byte(","))
		}
		w.Write([]byte("]"))
	case string:
		w.Write([]byte(strings.ReplaceAll(node, ",", "\\,")))
	default:
		fmt.Fprintf(w, "%v", node)
	}
}
