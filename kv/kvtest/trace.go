package kvtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// Trace runs a fixed mixed workload against e and returns one line per observable
// outcome. Equal traces mean equal behavior.
func Trace(t *testing.T, e kv.Engine) []string {
	t.Helper()
	ctx := context.Background()

	var out []string
	record := func(format string, args ...any) {
		out = append(out, fmt.Sprintf(format, args...))
	}
	outcome := func(err error) string {
		if err == nil {
			return "ok"
		}
		return model.KindOf(err).String()
	}

	for i := 0; i < 40; i++ {
		space := []string{"nodes", "edges", "embeddings"}[i%3]
		key := fmt.Sprintf("k/%02d", i%17)
		record("put %s %s: %s", space, key, outcome(e.Put(ctx, space, []byte(key), []byte(fmt.Sprint(i)))))
	}
	for i := 0; i < 20; i += 3 {
		key := fmt.Sprintf("k/%02d", i)
		record("delete nodes %s: %s", key, outcome(e.Delete(ctx, "nodes", []byte(key))))
	}
	for i := 0; i < 17; i++ {
		key := fmt.Sprintf("k/%02d", i)
		v, err := e.Get(ctx, "nodes", []byte(key))
		record("get nodes %s: %s %q", key, outcome(err), v)
	}

	err := kv.Update(ctx, e, func(tx kv.Txn) error {
		if err := tx.Put("edges", []byte("k/tx"), []byte("tx")); err != nil {
			return err
		}
		return tx.Delete("edges", []byte("k/missing"))
	})
	record("update with failing delete: %s", outcome(err))

	record("put empty key: %s", outcome(e.Put(ctx, "edges", nil, []byte("x"))))

	for _, space := range []string{"nodes", "edges", "embeddings", "absent"} {
		for item, err := range e.ScanPrefix(ctx, space, []byte("k/")) {
			if err != nil {
				record("scan %s: %s", space, outcome(err))
				break
			}
			record("scan %s: %s=%s", space, item.Key, item.Value)
		}
	}
	return out
}
