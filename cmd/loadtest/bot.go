package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aeolun/warroom/pkg/client"
	"github.com/aeolun/warroom/pkg/protocol"
	"github.com/aeolun/warroom/pkg/rank"
)

var usernameWords = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey", "yankee",
}

var chatter = strings.Fields("hold position advance to the ridge supply drop inbound radio check over and out requesting status report")

// generateUsername combines fragments of two call signs with the bot id so
// names stay unique and within the 3-20 character limit.
func generateUsername(id int, rng *rand.Rand) string {
	w1 := usernameWords[rng.Intn(len(usernameWords))]
	w2 := usernameWords[rng.Intn(len(usernameWords))]
	name := fmt.Sprintf("%s%s%d", w1[:min(4, len(w1))], w2[:min(4, len(w2))], id)
	if len(name) > 20 {
		name = name[len(name)-20:]
	}
	return name
}

func randomMessage(rng *rand.Rand) string {
	n := 3 + rng.Intn(6)
	words := make([]string, n)
	for i := range words {
		words[i] = chatter[rng.Intn(len(chatter))]
	}
	return strings.Join(words, " ")
}

// Bot is one simulated user.
type Bot struct {
	id       int
	username string
	role     rank.Role
	conn     *client.Conn
	stats    *Stats
	rng      *rand.Rand
	timeout  time.Duration
}

// NewBot dials addr and signs up a fresh account.
func NewBot(ctx context.Context, id int, addr string, useWS bool, stats *Stats, timeout time.Duration) (*Bot, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	var (
		conn *client.Conn
		err  error
	)
	if useWS {
		conn, err = client.DialWebSocket(ctx, addr)
	} else {
		conn, err = client.Dial(ctx, addr)
	}
	if err != nil {
		return nil, err
	}

	b := &Bot{
		id:       id,
		username: generateUsername(id, rng),
		role:     rank.All[rng.Intn(len(rank.All))],
		conn:     conn,
		stats:    stats,
		rng:      rng,
		timeout:  timeout,
	}
	if err := b.signUp(); err != nil {
		conn.Close()
		stats.signUpFailed.Add(1)
		return nil, err
	}
	return b, nil
}

func (b *Bot) signUp() error {
	line := fmt.Sprintf("sign-up %s %s@loadtest.local pw-%d %s", b.username, b.username, b.id, b.role)
	if err := b.conn.Send(line); err != nil {
		return err
	}
	reply, err := b.awaitReply()
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "welcome "+b.username) {
		return fmt.Errorf("sign-up rejected: %s", reply)
	}
	return nil
}

// awaitReply returns the next [Info] or [Error] line, skipping menus and
// deliveries from other bots.
func (b *Bot) awaitReply() (string, error) {
	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()
	for {
		select {
		case line, ok := <-b.conn.Lines():
			if !ok {
				return "", client.ErrClosed
			}
			b.stats.linesReceived.Add(1)
			if strings.HasPrefix(line, protocol.TagInfo) || strings.HasPrefix(line, protocol.TagError) {
				return line, nil
			}
		case <-deadline.C:
			return "", context.DeadlineExceeded
		}
	}
}

// nextCommand picks a chat command for this bot.
func (b *Bot) nextCommand() string {
	msg := randomMessage(b.rng)
	switch b.rng.Intn(3) {
	case 0:
		return "all " + msg
	case 1:
		return fmt.Sprintf("say %s %s", b.role, msg)
	default:
		return "list-rooms"
	}
}

// Run sends commands with a random delay until stop closes or the
// connection ends.
func (b *Bot) Run(stop <-chan struct{}, minDelay, maxDelay time.Duration) {
	defer b.conn.Close()

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(b.rng.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-stop:
			b.conn.Send("quit")
			return
		case <-time.After(delay):
		}

		start := time.Now()
		if err := b.conn.Send(b.nextCommand()); err != nil {
			b.stats.recordDisconnection()
			return
		}
		reply, err := b.awaitReply()
		switch {
		case err == client.ErrClosed:
			b.stats.recordDisconnection()
			return
		case err != nil:
			b.stats.recordTimeout()
		case strings.HasPrefix(reply, protocol.TagError):
			b.stats.recordErrorReply()
		default:
			b.stats.recordSuccess(time.Since(start).Microseconds())
		}
	}
}
