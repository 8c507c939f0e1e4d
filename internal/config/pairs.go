package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadPair is returned for a pair entry without a "->" separator or with an
// empty side.
var ErrBadPair = errors.New("config: malformed pair")

// Pair is one key->value entry.
type Pair struct {
	Key   string
	Value string
}

// ParsePairs parses "a->b, c->d" into ordered pairs. Keys may repeat, so the
// same key can map to several values. Empty input yields no pairs.
func ParsePairs(s string) ([]Pair, error) {
	var out []Pair
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "->")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadPair, item)
		}
		out = append(out, Pair{Key: k, Value: v})
	}
	return out, nil
}

// Multimap groups pairs by key, keeping value order and dropping duplicates.
func Multimap(pairs []Pair) map[string][]string {
	out := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		dup := false
		for _, v := range out[p.Key] {
			if v == p.Value {
				dup = true
				break
			}
		}
		if !dup {
			out[p.Key] = append(out[p.Key], p.Value)
		}
	}
	return out
}
