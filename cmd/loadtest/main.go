package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/aeolun/warroom/pkg/logging"
)

func main() {
	serverAddr := pflag.String("server", "localhost:1024", "Server address (host:port, or the WebSocket address with --ws)")
	useWS := pflag.Bool("ws", false, "Connect bots over WebSocket")
	numClients := pflag.Int("clients", 10, "Number of concurrent clients")
	duration := pflag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := pflag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between commands")
	maxDelay := pflag.Duration("max-delay", 1*time.Second, "Maximum delay between commands")
	replyTimeout := pflag.Duration("reply-timeout", 5*time.Second, "How long a bot waits for a reply")
	logFormat := pflag.String("log-format", "console", "Log format: console or json")
	pflag.Parse()

	logger, err := logging.New(logging.Options{App: "warroom-loadtest", Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(max(*numClients, 1))
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logger.Info().
		Str("server", *serverAddr).
		Bool("websocket", *useWS).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUp).
		Msg("starting load test")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info().Msg("shutdown signal received, stopping test")
			stopAll()
		case <-stop:
		}
	}()
	time.AfterFunc(*duration, stopAll)

	reportDone := make(chan struct{})
	go reportLoop(logger, stats, stop, reportDone)

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), *replyTimeout)
			bot, err := NewBot(ctx, id, *serverAddr, *useWS, stats, *replyTimeout)
			cancel()
			if err != nil {
				stats.recordConnectionError()
				logger.Debug().Err(err).Int("bot", id).Msg("bot failed to start")
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				logger.Info().Int("bot", id).Str("username", bot.username).Msg("bot connected")
			}
			bot.Run(stop, *minDelay, *maxDelay)
		}(i)

		select {
		case <-stop:
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	stopAll()
	<-reportDone

	sent, failed, connErrors, avgUs := stats.snapshot()
	logger.Info().
		Int64("clients_connected", stats.successfulClients.Load()).
		Int64("sent", sent).
		Int64("failed", failed).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("error_replies", stats.errorReplies.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("connection_errors", connErrors).
		Int64("sign_up_failures", stats.signUpFailed.Load()).
		Int64("lines_received", stats.linesReceived.Load()).
		Float64("avg_response_ms", avgUs/1000).
		Msg("load test finished")
}

func reportLoop(logger zerolog.Logger, stats *Stats, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ticker.C:
			sent, failed, connErrors, avgUs := stats.snapshot()
			logger.Info().
				Int64("sent", sent).
				Float64("rate", float64(sent)/time.Since(start).Seconds()).
				Int64("failed", failed).
				Int64("conn_errors", connErrors).
				Float64("avg_ms", avgUs/1000).
				Int("goroutines", runtime.NumGoroutine()).
				Msg("stats")
		case <-stop:
			return
		}
	}
}
