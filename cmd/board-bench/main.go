// board-bench load-tests board operations: lane moves, page loads, and lock
// churn. Targets are either the in-process wiring or a running boardsyncd
// over HTTP, so the same run compares engine cost against transport cost.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
	"github.com/rega1237/renova-crm-sub000/v1/coordinator"
	"github.com/rega1237/renova-crm-sub000/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	records     = flag.Int("records", 1000, "Seeded record count")
	target      = flag.String("target", "all", "Target: memory-move, memory-page, memory-lock, http-move, http-page")
	httpAddr    = flag.String("http-addr", "http://localhost:8080", "boardsyncd base URL for http targets")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory-move", "memory-page", "memory-lock"}
	}

	fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func seed(b *presets.Board, n int) []string {
	ctx := context.Background()
	base := time.Now().Add(-24 * time.Hour)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i)
		ids[i] = id
		_ = b.Records.Put(ctx, board.Record{
			ID: id, Lane: board.LaneLead, Title: "record " + id,
			Owner: "bench", Source: "web",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return ids
}

func runBenchmark(name string) {
	var op func(ctx context.Context, i int) error
	ctx := context.Background()

	switch name {
	case "memory-move":
		b := presets.NewInMemoryBoard("bench")
		ids := seed(b, *records)
		lanes := board.Lanes()
		actor := coordinator.Actor{ID: "bench", Label: "bench"}
		op = func(ctx context.Context, i int) error {
			to := lanes[i%len(lanes)]
			_, err := b.Coordinator.MoveRecord(ctx, ids[i%len(ids)], "", to, actor)
			return err
		}

	case "memory-page":
		b := presets.NewInMemoryBoard("bench")
		seed(b, *records)
		op = func(ctx context.Context, i int) error {
			_, err := b.Loader.LoadPage(ctx, board.LaneLead, board.Filters{}, (i%10)*50, 50)
			return err
		}

	case "memory-lock":
		b := presets.NewInMemoryBoard("bench")
		ids := seed(b, *records)
		op = func(ctx context.Context, i int) error {
			id := ids[i%len(ids)]
			holder := fmt.Sprintf("h%d", i)
			g, err := b.Locks.Acquire(ctx, id, holder, holder)
			if err != nil {
				return err
			}
			if g.Granted {
				_, err = b.Locks.Release(ctx, id, holder)
			}
			return err
		}

	case "http-move":
		client := &http.Client{Timeout: 10 * time.Second}
		lanes := board.Lanes()
		op = func(ctx context.Context, i int) error {
			body := fmt.Sprintf(`{"toLane":%q}`, lanes[i%len(lanes)])
			req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
				fmt.Sprintf("%s/records/r%d/lane", *httpAddr, i%(*records)),
				bytes.NewReader([]byte(body)))
			if err != nil {
				return err
			}
			req.Header.Set("X-Actor-Id", "bench")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		}

	case "http-page":
		client := &http.Client{Timeout: 10 * time.Second}
		op = func(ctx context.Context, i int) error {
			resp, err := client.Get(fmt.Sprintf("%s/lanes/lead?offset=%d&limit=50", *httpAddr, (i%10)*50))
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		}

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := op(ctx, offset+j); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-12s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}
