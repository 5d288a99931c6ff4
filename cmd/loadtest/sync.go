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
	"github.com/tandem/music-app/internal/protocol"
	"github.com/tandem/music-app/internal/wsclient"
)

// runSync connects pairs of listeners. In every pair the follower keeps
// asking the leader for its playback position and the leader always accepts;
// each round trip is timed.
func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 50, "Number of leader/follower pairs")
	rounds := fs.Int("rounds", 8, "Sync requests per follower (the server allows 10 per minute per connection)")
	pause := fs.Duration("pause", 200*time.Millisecond, "Pause between requests")
	_ = fs.Parse(args)

	fmt.Printf("Sync test: %d pairs x %d rounds against %s\n", *pairs, *rounds, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runPair(ctx, *url, n, *rounds, *pause, collector); err != nil {
				collector.AddError()
				fmt.Fprintf(os.Stderr, "  [pair %d] %v\n", n, err)
			}
		}(i)
	}
	wg.Wait()

	collector.Report(os.Stdout)
}

func runPair(ctx context.Context, url string, n, rounds int, pause time.Duration, collector *loadstats.Collector) error {
	leaderID := fmt.Sprintf("leader-%d", n)

	leader, err := wsclient.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer leader.Close()
	collector.AddConnect(leader.Metrics().ConnectLatency)

	follower, err := wsclient.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer follower.Close()
	collector.AddConnect(follower.Metrics().ConnectLatency)

	if err := leader.Announce(leaderID); err != nil {
		return err
	}
	if err := follower.Announce(fmt.Sprintf("follower-%d", n)); err != nil {
		return err
	}

	// The leader answers every request with its current position.
	leaderCtx, stopLeader := context.WithCancel(ctx)
	defer stopLeader()
	go func() {
		position := 0.0
		for {
			f, err := leader.Expect(leaderCtx, protocol.TypeSyncRequest)
			if err != nil {
				return
			}
			var req protocol.SyncRequestMsg
			if err := f.Decode(&req); err != nil {
				continue
			}
			position += 1.5
			_ = leader.Send(protocol.RespondSyncMsg{
				Type:        protocol.TypeRespondSync,
				RequesterID: req.RequesterID,
				Accept:      true,
				SongID:      "load-song",
				CurrentTime: position,
				IsPlaying:   true,
			})
		}
	}()

	for r := 0; r < rounds; r++ {
		start := time.Now()
		if err := follower.Send(protocol.RequestSyncMsg{
			Type:         protocol.TypeRequestSync,
			TargetUserID: leaderID,
			SongID:       "load-song",
		}); err != nil {
			return err
		}

		roundCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := follower.Expect(roundCtx, protocol.TypeSyncAccepted)
		cancel()
		if err != nil {
			collector.AddError()
		} else {
			collector.AddSyncLatency(time.Since(start))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
	return nil
}
