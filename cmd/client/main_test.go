package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/warroom/pkg/client"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

const (
	stampedWhisper = "[16/10/2026 12:00:00] [Whisper] (General)ben: stand by"
	stampedLaunch  = "[16/10/2026 12:00:01] [Server] MISSILE LAUNCHED at Paris by (General)ben: test"
	stampedNotice  = "[16/10/2026 12:00:02] [Server] active members: 3 connected, 2 signed in"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want lineKind
	}{
		{stampedWhisper, kindWhisper},
		{"[16/10/2026 12:00:00] [Rank] (Sergeant)sam: hi", kindRank},
		{"[16/10/2026 12:00:00] [All] (Private)pat: hi", kindAll},
		{"[16/10/2026 12:00:00] [Room bunker] (Private)pat: hi", kindRoom},
		{stampedLaunch, kindLaunch},
		{stampedNotice, kindServer},
		{"[Info] joined room bunker", kindInfo},
		{"[Error] room not found", kindError},
		{"== Commands ==", kindPlain},
		{"", kindPlain},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.line))
		})
	}
}

func TestSplitTimestamp(t *testing.T) {
	stamp, rest := splitTimestamp(stampedWhisper)
	assert.Equal(t, "[16/10/2026 12:00:00]", stamp)
	assert.Equal(t, "[Whisper] (General)ben: stand by", rest)

	stamp, rest = splitTimestamp("[Info] short")
	assert.Empty(t, stamp)
	assert.Equal(t, "[Info] short", rest)
}

func TestRenderKeepsText(t *testing.T) {
	assert.Equal(t, stampedWhisper, render(stampedWhisper))
	assert.Equal(t, "[Error] nope", render("[Error] nope"))
}

func TestNotification(t *testing.T) {
	title, body, ok := notification(stampedWhisper)
	require.True(t, ok)
	assert.Contains(t, title, "whisper")
	assert.Equal(t, "(General)ben: stand by", body)

	title, body, ok = notification(stampedLaunch)
	require.True(t, ok)
	assert.Contains(t, title, "MISSILE LAUNCHED")
	assert.True(t, strings.HasPrefix(body, "MISSILE LAUNCHED at Paris"))

	_, _, ok = notification(stampedNotice)
	assert.False(t, ok)

	long := "[16/10/2026 12:00:00] [Whisper] (General)ben: " + strings.Repeat("x", 300)
	_, body, ok = notification(long)
	require.True(t, ok)
	assert.Len(t, body, maxNotificationBody)
}

func TestNotifierObserve(t *testing.T) {
	var sent []string
	n := &notifier{enabled: true, send: func(title, body string) error {
		sent = append(sent, body)
		return nil
	}}
	require.NoError(t, n.observe(stampedWhisper))
	require.NoError(t, n.observe(stampedNotice))
	assert.Equal(t, []string{"(General)ben: stand by"}, sent)

	n.send = func(string, string) error { return errors.New("no notification daemon") }
	assert.Error(t, n.observe(stampedLaunch))

	n.enabled = false
	assert.NoError(t, n.observe(stampedLaunch))
}

func TestRunPipesLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("== Authentication ==\n"))
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			received <- line
			if line == "quit" {
				conn.Write([]byte("[Info] goodbye\n"))
				return
			}
			conn.Write([]byte(stampedWhisper + "\n"))
		}
	}()

	conn, err := client.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	var out bytes.Buffer
	n := &notifier{enabled: true, send: func(string, string) error { return nil }}
	in := strings.NewReader("sign-in a@example.com pw\n\nquit\n")
	code := run(conn, in, &out, n, zerolog.Nop())

	assert.Equal(t, 0, code)
	assert.Equal(t, "sign-in a@example.com pw", <-received)
	assert.Equal(t, "quit", <-received)
	select {
	case extra := <-received:
		t.Fatalf("blank line should not be sent, got %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
	text := out.String()
	assert.Contains(t, text, "== Authentication ==")
	assert.Contains(t, text, "goodbye")
}
