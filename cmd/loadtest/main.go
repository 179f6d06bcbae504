package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/M4F-S/codex-live/internal/client"
	"github.com/M4F-S/codex-live/internal/types"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all clients")
	clients := flag.Int("clients", 1000, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of edits the writer sends")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between edits")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			peer := fmt.Sprintf("client-%d", id)
			c, err := client.Dial(ctx, client.Options{
				URL:        *addr,
				DocumentID: types.DocumentID(*document),
				UserID:     types.PeerID(peer),
				UserName:   peer,
				Logger:     logger,
			})
			if err != nil {
				logger.Error().Err(err).Str("client", peer).Msg("dial failed")
				return
			}
			defer c.Close()

			go readerLoop(ctx, c, latencyCh)

			if id == 0 {
				// writer client
				sendTicker := time.NewTicker(*interval)
				defer sendTicker.Stop()
				for j := 0; j < *messages; j++ {
					select {
					case <-ctx.Done():
						return
					case <-sendTicker.C:
						if err := c.Insert(0, fmt.Sprintf("edit-%d ", j)); err != nil {
							logger.Error().Err(err).Msg("failed to send edit")
							return
						}
					}
				}
				// let the tail of the fan-out land before tearing down
				time.Sleep(2 * *interval)
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func readerLoop(ctx context.Context, c *client.Client, latencies chan<- latencySample) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.Events():
			if !ok {
				return
			}
			if evt.Type != client.ContentChanged || evt.Operation == nil {
				continue
			}
			if evt.Operation.Time.IsZero() {
				continue
			}
			latencies <- latencySample{dur: time.Since(evt.Operation.Time)}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of broadcasts met the 50ms target")
	}
}
