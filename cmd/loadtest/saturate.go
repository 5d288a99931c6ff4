package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tandem/music-app/internal/loadstats"
	"github.com/tandem/music-app/internal/wsclient"
)

// runSaturate opens the requested number of connections, ramping up over the
// configured duration, announces a distinct user on each, then holds them
// open while reporting how many are still alive.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()

	var mu sync.Mutex
	clients := make([]*wsclient.Client, 0, *connections)

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	rampStart := time.Now()
	ticker := time.NewTicker(interval)

launch:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := wsclient.Dial(connCtx, *url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.Announce(fmt.Sprintf("load-%d", n)); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			// Keep the inbox moving; broadcasts arrive for every join.
			go drain(c)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()

	fmt.Printf("Ramp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold phase
	// -----------------------------------------------------------------------
	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				break holdLoop
			case <-holdTimer.C:
				break holdLoop
			case <-status.C:
				mu.Lock()
				alive := 0
				for _, c := range clients {
					if c.Metrics().Errors == 0 {
						alive++
					}
				}
				fmt.Printf("  [hold] alive: %d/%d\n", alive, len(clients))
				mu.Unlock()
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	collector.Report(os.Stdout)
}

// drain discards frames until the connection closes.
func drain(c *wsclient.Client) {
	for {
		if _, err := c.Next(context.Background()); err != nil {
			return
		}
	}
}
