// Command regsso-loadtest measures store adapter throughput under the two
// hot paths of the bridge: pending-state probes from polling clients and the
// authenticate-then-wake transition. It targets a real Redis when an address
// is given and falls back to an in-process miniredis otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	regsso "github.com/regsso/regsso"
	"github.com/regsso/regsso/store"
)

// nopIdentityProvider satisfies the builder; the load test never touches the
// browser side of the flow.
type nopIdentityProvider struct{}

func (nopIdentityProvider) AuthorizationURL(callbackURL, state string) (string, error) {
	return "", fmt.Errorf("not used by the load test")
}

func (nopIdentityProvider) CompleteFlow(ctx context.Context, callbackURL, code string) (*store.Credentials, error) {
	return nil, fmt.Errorf("not used by the load test")
}

func main() {
	var (
		records     = flag.Int("records", 10000, "number of pending authentications to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "probe operations before the resolve phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "regsso", "redis key prefix")
	)
	flag.Parse()

	if *records <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "records, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		cleanup = mr.Close
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		cleanup = func() {}
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()

	cfg := regsso.DefaultConfig()
	cfg.Store.Redis = &regsso.RedisStoreConfig{Addr: addr, Prefix: *prefix}

	engine, err := regsso.New().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityProvider(nopIdentityProvider{}).
		Build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}

	pending := make([]regsso.PendingAuthentication, *records)
	fmt.Printf("seeding %d pending authentications...\n", *records)
	startSeed := time.Now()
	for i := range pending {
		p, err := engine.CreatePendingAuthentication(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		pending[i] = *p
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	probeStats := runProbePhase(ctx, engine, pending, *ops, *concurrency)
	resolveStats := runResolvePhase(ctx, engine, pending, *concurrency)

	fmt.Println("---- results ----")
	printStats("probe", probeStats)
	printStats("resolve", resolveStats)
}

// runProbePhase hammers the pending-state check the way a fleet of polling
// CLIs would between long-poll timeouts.
func runProbePhase(ctx context.Context, engine *regsso.Engine, pending []regsso.PendingAuthentication, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(pending))
				t0 := time.Now()
				ok, err := engine.IsPendingAuthentication(ctx, regsso.Lookup{PollToken: pending[idx].PollToken})
				d := time.Since(t0)
				if err != nil || !ok {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runResolvePhase drives every record through its terminal transition with a
// waiter attached, measuring the full authenticate-to-wake latency.
func runResolvePhase(ctx context.Context, engine *regsso.Engine, pending []regsso.PendingAuthentication, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, len(pending))
		mu        sync.Mutex
	)

	credentials := &store.Credentials{
		TokenType:   "Bearer",
		AccessToken: "loadtest",
		Claims:      map[string]any{"preferred_username": "loadtest"},
	}

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(pending) {
					return
				}
				rec := pending[i]

				woken := make(chan error, 1)
				go func() {
					_, err := engine.WaitForAuthentication(ctx, rec.PollToken, 30*time.Second)
					woken <- err
				}()

				// Let the waiter subscribe before flipping the record.
				time.Sleep(time.Millisecond)

				t0 := time.Now()
				err := engine.Authenticate(ctx, credentials, rec.InitToken)
				if err == nil {
					err = <-woken
				}
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
