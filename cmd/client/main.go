package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/aeolun/warroom/pkg/client"
	"github.com/aeolun/warroom/pkg/logging"
)

func main() {
	addr := pflag.String("addr", "localhost:1024", "Server address (host:port, or a ws:// URL with --ws)")
	useWS := pflag.Bool("ws", false, "Connect over WebSocket instead of plain TCP")
	notify := pflag.Bool("notify", false, "Show desktop notifications for whispers and launches")
	noColor := pflag.Bool("no-color", false, "Print lines without colours")
	logLevel := pflag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	timeout := pflag.Duration("timeout", 10*time.Second, "Connection timeout")
	pflag.Parse()

	logger, err := logging.New(logging.Options{
		App:    "warroom-client",
		Level:  *logLevel,
		Output: os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	client.SetLogger(logger)

	if *noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := dial(ctx, *addr, *useWS)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}

	os.Exit(run(conn, os.Stdin, os.Stdout, newNotifier(*notify), logger))
}

func dial(ctx context.Context, addr string, useWS bool) (*client.Conn, error) {
	if useWS || strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return client.DialWebSocket(ctx, addr)
	}
	return client.Dial(ctx, addr)
}

// run pipes input lines to the server and prints what comes back until
// either side hangs up. It returns the process exit code.
func run(conn *client.Conn, in io.Reader, out io.Writer, n *notifier, logger zerolog.Logger) int {
	defer conn.Close()

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := conn.Send(line); err != nil {
				logger.Warn().Err(err).Msg("send failed")
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	lines := conn.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := conn.Err(); err != nil {
					fmt.Fprintf(out, "connection lost: %v\n", err)
					return 1
				}
				return 0
			}
			fmt.Fprintln(out, render(line))
			if err := n.observe(line); err != nil {
				logger.Debug().Err(err).Msg("desktop notification failed")
			}
		case <-inputDone:
			// Let the server answer a trailing quit before hanging up
			inputDone = nil
			go func() {
				time.Sleep(500 * time.Millisecond)
				conn.Close()
			}()
		case <-sigChan:
			conn.Send("quit")
			return 0
		}
	}
}
