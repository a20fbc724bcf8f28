package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-muster/v1/ledger"
	"github.com/mirkobrombin/go-muster/v1/lock"
	"github.com/mirkobrombin/go-muster/v1/presets"
	"github.com/mirkobrombin/go-muster/v1/store"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 20000, "Requests")
	users       = flag.Int("u", 100, "Distinct users contending for locks")
	target      = flag.String("target", "memory,breaker", "Targets: memory, breaker, redis")
	redisURL    = flag.String("redis", "redis://localhost:6379", "Redis URL")
)

func main() {
	flag.Parse()
	if err := checkFlags(*concurrency, *requests, *users); err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	fmt.Printf("| %-10s | %-8s | %-10s | %-12s | %-12s | %-9s |\n", "Store", "Op", "Ops/sec", "Avg Latency", "P99 Latency", "Contended")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")

	for _, t := range strings.Split(*target, ",") {
		name := strings.TrimSpace(t)
		s, cleanup, err := openStore(name)
		if err != nil {
			log.Printf("%s: %v", name, err)
			continue
		}
		benchLock(name, s)
		benchClaim(name, s)
		cleanup()
	}
}

func openStore(name string) (store.Store, func(), error) {
	switch name {
	case "memory":
		s := store.NewInMemory()
		return s, func() { _ = s.Close() }, nil
	case "breaker":
		s := store.NewCircuitBreaker(store.NewInMemory(), 5, time.Second)
		return s, func() { _ = s.Close() }, nil
	case "redis":
		b, err := presets.NewRedis(context.Background(), *redisURL)
		if err != nil {
			return nil, nil, err
		}
		return b.Store, func() { _ = b.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown target %q", name)
}

// measure runs op *requests times over *concurrency goroutines; op reports
// whether it got through uncontended.
func measure(name, opName string, op func(ctx context.Context, i int) (bool, error)) {
	ctx := context.Background()
	total := *requests
	chunk := total / *concurrency
	latencies := make([]int64, chunk*(*concurrency))
	var ops, contended, failures int64

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < chunk; j++ {
				i := w*chunk + j
				reqStart := time.Now()
				ok, err := op(ctx, i)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				if !ok {
					atomic.AddInt64(&contended, 1)
				}
				atomic.AddInt64(&ops, 1)
				latencies[i] = time.Since(reqStart).Nanoseconds()
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-8s | %-10s | %-12s | %-12s | %-9s |\n", name, opName, "ERROR", "-", "-", "-")
		return
	}
	p99, _ := percentile(latencies, 0.99)

	fmt.Printf("| %-10s | %-8s | %-10.0f | %-12.0f | %-12d | %-9d |\n", name, opName,
		float64(ops)/elapsed.Seconds(), float64(elapsed.Nanoseconds())/float64(ops), p99, contended)
	if failures > 0 {
		log.Printf("%s %s: %d failures", name, opName, failures)
	}
}

func checkFlags(concurrency, requests, users int) error {
	switch {
	case concurrency <= 0:
		return fmt.Errorf("-c must be positive, got %d", concurrency)
	case requests < concurrency:
		return fmt.Errorf("-n (%d) must be at least -c (%d)", requests, concurrency)
	case users <= 0:
		return fmt.Errorf("-u must be positive, got %d", users)
	}
	return nil
}

// percentile returns the q-th latency among the recorded (non-zero) ones.
func percentile(latencies []int64, q float64) (int64, bool) {
	valid := make([]int64, 0, len(latencies))
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	if len(valid) == 0 {
		return 0, false
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
	return valid[min(int(float64(len(valid))*q), len(valid)-1)], true
}

func benchLock(name string, s store.Store) {
	lk := lock.New(s)
	measure(name, "trylock", func(ctx context.Context, i int) (bool, error) {
		m, ok, err := lk.TryLock(ctx, fmt.Sprintf("bench:user_invite:%d", i%*users), time.Minute)
		if err != nil || !ok {
			return false, err
		}
		return true, m.Unlock(ctx)
	})
}

func benchClaim(name string, s store.Store) {
	l, err := ledger.New(s, ledger.WithLocker(lock.New(s), time.Minute, func(id string) string {
		return "bench:user_invite:" + id
	}))
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	defer l.Close()
	key := fmt.Sprintf("bench:joined_users:%d", time.Now().UnixMilli())
	defer func() { _ = l.Drop(context.Background(), key) }()

	measure(name, "claim", func(ctx context.Context, i int) (bool, error) {
		outcome, err := l.Claim(ctx, key, fmt.Sprintf("user%d", i%*users), nil)
		return outcome != ledger.Contended, err
	})
}
