package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/warroom/pkg/database"
)

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for exchanging protocol lines
// over TCP, SSH, or WebSocket connections.
type transportClient interface {
	// send writes one protocol line.
	send(t *testing.T, line string)
	// expect reads lines until one contains substr and returns it.
	expect(t *testing.T, substr string, timeout time.Duration) string
	// tryRead returns the next line, or false if nothing arrived in time.
	tryRead(timeout time.Duration) (string, bool)
	// close tears down the connection.
	close()
}

// lineFeed is fed by one persistent reader goroutine per client. SSH
// channels have no deadlines and gorilla/websocket connections break after
// a read timeout, so no transport reads from the test goroutine. The lines
// channel is closed after the last line, so a read error is only seen once
// everything before it has been consumed.
type lineFeed struct {
	name  string
	lines chan string
	err   error // set before lines is closed
	done  chan struct{}
}

func startLineFeed(name string, next func() (string, error)) *lineFeed {
	f := &lineFeed{
		name:  name,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		for {
			line, err := next()
			if err != nil {
				f.err = err
				close(f.lines)
				return
			}
			f.lines <- line
		}
	}()
	return f
}

func (f *lineFeed) expect(t *testing.T, substr string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-f.lines:
			if !ok {
				t.Fatalf("%s expect %q: read error: %v", f.name, substr, f.err)
				return ""
			}
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			t.Fatalf("%s expect %q: timeout after %v", f.name, substr, timeout)
			return ""
		}
	}
}

func (f *lineFeed) tryRead(timeout time.Duration) (string, bool) {
	select {
	case line, ok := <-f.lines:
		return line, ok
	case <-time.After(timeout):
		return "", false
	}
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	*lineFeed
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)
	scanner := bufio.NewScanner(conn)
	return &tcpClient{
		conn: conn,
		lineFeed: startLineFeed("TCP", func() (string, error) {
			if scanner.Scan() {
				return scanner.Text(), nil
			}
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", net.ErrClosed
		}),
	}
}

func (c *tcpClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(t, err, "TCP send %q", line)
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

type sshClient struct {
	*lineFeed
	client    *ssh.Client
	channel   ssh.Channel
	closeOnce sync.Once
}

func newSSHClient(t *testing.T, addr string) *sshClient {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "tester",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	require.NoError(t, err, "SSH dial %s", addr)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	reader := bufio.NewReader(channel)
	return &sshClient{
		client:  client,
		channel: channel,
		lineFeed: startLineFeed("SSH", func() (string, error) {
			line, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}
			return strings.TrimRight(line, "\r\n"), nil
		}),
	}
}

func (c *sshClient) send(t *testing.T, line string) {
	t.Helper()
	// Interactive SSH clients end lines with a bare CR.
	_, err := c.channel.Write([]byte(line + "\r"))
	require.NoError(t, err, "SSH send %q", line)
}

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

type wsClient struct {
	*lineFeed
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)

	return &wsClient{
		conn: conn,
		lineFeed: startLineFeed("WS", func() (string, error) {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return "", err
			}
			return string(data), nil
		}),
	}
}

func (c *wsClient) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(line)), "WS send %q", line)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv         *Server
	db          *database.DB
	tcpAddr     string
	sshAddr     string
	wsAddr      string
	metricsAddr string
}

// setupJourneyServer starts a server with TCP, SSH, WebSocket and metrics
// listeners on random ports, backed by a fresh sqlite database.
func setupJourneyServer(t *testing.T) *journeyServers {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := database.Open(filepath.Join(tmpDir, "journey.db"))
	require.NoError(t, err)
	db.BcryptCost = bcrypt.MinCost
	audit := database.NewAuditLog(db, 1024, 50*time.Millisecond)

	cfg := testConfig()
	cfg.SSHPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.SSHHostKeyPath = filepath.Join(tmpDir, "ssh_host_key")

	srv, err := NewServer(cfg, Dependencies{Accounts: db, Audit: audit, Metrics: NewMetrics()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		srv.Stop()
		audit.Close()
		db.Close()
	})

	return &journeyServers{
		srv:         srv,
		db:          db,
		tcpAddr:     srv.TCPAddr(),
		sshAddr:     srv.SSHAddr(),
		wsAddr:      srv.HTTPAddr(),
		metricsAddr: srv.MetricsAddr(),
	}
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers) transportClient { return newSSHClient(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) transportClient { return newWSClient(t, s.wsAddr) }},
	}
}

// join connects and signs up username with role, consuming the welcome.
func join(t *testing.T, servers *journeyServers, tf transportFactory, username, role string) transportClient {
	t.Helper()
	c := tf.connect(t, servers)
	t.Cleanup(c.close)
	c.expect(t, "/sign-in <email> <password>", journeyTimeout)
	c.send(t, fmt.Sprintf("sign-up %s %s@example.com pw-%s %s", username, username, username, role))
	c.expect(t, "welcome "+username, journeyTimeout)
	c.expect(t, "/quit", journeyTimeout)
	return c
}

func requestIDFrom(t *testing.T, line string) string {
	t.Helper()
	_, rest, ok := strings.Cut(line, "launch request ")
	require.True(t, ok, "no request id in %q", line)
	fields := strings.Fields(rest)
	require.NotEmpty(t, fields)
	return fields[0]
}

// ---------------------------------------------------------------------------
// Main test entry point
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t)

	for _, tf := range allTransports() {
		t.Run("launch_approval/"+tf.name, func(t *testing.T) {
			runLaunchApproval(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("offline_mailbox/"+tf.name, func(t *testing.T) {
			runOfflineMailbox(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("malformed_input/"+tf.name, func(t *testing.T) {
			runMalformedInput(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("overlong_line/"+tf.name, func(t *testing.T) {
			runOverlongLine(t, servers, tf)
		})
	}

	t.Run("cross_transport_room", func(t *testing.T) {
		runCrossTransportRoom(t, servers)
	})

	t.Run("health_endpoint", func(t *testing.T) {
		runHealthEndpoint(t, servers)
	})
}

// runLaunchApproval: a Private requests a launch, a Sergeant approves it and
// everybody sees the launch.
func runLaunchApproval(t *testing.T, servers *journeyServers, tf transportFactory) {
	_, acceptedBefore, _ := servers.srv.registry.RequestCounts()

	alice := join(t, servers, tf, "alice_"+tf.name, "Private")
	bob := join(t, servers, tf, "bob_"+tf.name, "Sergeant")

	alice.send(t, "/launch-missile Paris test")
	alice.expect(t, "sent to", journeyTimeout)

	id := requestIDFrom(t, bob.expect(t, "launch request", journeyTimeout))

	bob.send(t, "/accept-request "+id)
	bob.expect(t, "request "+id+" accepted", journeyTimeout)

	alice.expect(t, "your launch request "+id+" was accepted", journeyTimeout)
	alice.expect(t, "MISSILE LAUNCHED at Paris", journeyTimeout)
	bob.expect(t, "MISSILE LAUNCHED at Paris", journeyTimeout)

	_, acceptedAfter, _ := servers.srv.registry.RequestCounts()
	assert.Equal(t, acceptedBefore+1, acceptedAfter)
}

// runOfflineMailbox: whispers to a user who has never connected are handed
// over, in order, when that user signs up.
func runOfflineMailbox(t *testing.T, servers *journeyServers, tf transportFactory) {
	sender := join(t, servers, tf, "carol_"+tf.name, "Lieutenant")
	target := "dave_" + tf.name

	sender.send(t, "whisper "+target+" first message")
	sender.expect(t, "offline, message queued", journeyTimeout)
	sender.send(t, "whisper "+target+" second message")
	sender.expect(t, "offline, message queued", journeyTimeout)

	dave := tf.connect(t, servers)
	t.Cleanup(dave.close)
	dave.send(t, fmt.Sprintf("sign-up %s %s@example.com pw Private", target, target))
	dave.expect(t, "welcome "+target, journeyTimeout)
	first := dave.expect(t, "[Whisper]", journeyTimeout)
	second := dave.expect(t, "[Whisper]", journeyTimeout)
	assert.Contains(t, first, "first message")
	assert.Contains(t, second, "second message")
	assert.Empty(t, servers.srv.registry.Mailbox(target))
}

// runMalformedInput: bad lines get one error each and the session survives.
func runMalformedInput(t *testing.T, servers *journeyServers, tf transportFactory) {
	c := tf.connect(t, servers)
	t.Cleanup(c.close)

	c.send(t, "bogus")
	c.expect(t, "[Error] unknown command", journeyTimeout)
	c.send(t, "sign-in only-one-arg")
	c.expect(t, "[Error] wrong number of arguments", journeyTimeout)
	c.send(t, "say general hello")
	c.expect(t, "[Error] sign in first", journeyTimeout)

	name := "erin_" + tf.name
	c.send(t, fmt.Sprintf("sign-up %s %s@example.com pw General", name, name))
	c.expect(t, "welcome "+name, journeyTimeout)

	c.send(t, "quit")
	c.expect(t, "goodbye", journeyTimeout)
}

// runOverlongLine: a line over the length limit is discarded with one error
// and the next line is handled normally.
func runOverlongLine(t *testing.T, servers *journeyServers, tf transportFactory) {
	c := tf.connect(t, servers)
	t.Cleanup(c.close)
	c.expect(t, "/sign-up", journeyTimeout)

	c.send(t, "all "+strings.Repeat("x", servers.srv.config.MaxLineLength+904))
	c.expect(t, "[Error] line too long", journeyTimeout)
	c.expect(t, "/sign-up", journeyTimeout)

	c.send(t, "bogus")
	c.expect(t, "[Error] unknown command", journeyTimeout)

	name := "olive_" + tf.name
	c.send(t, fmt.Sprintf("sign-up %s %s@example.com pw Private", name, name))
	c.expect(t, "welcome "+name, journeyTimeout)
}

// runCrossTransportRoom: members on different transports share a room.
func runCrossTransportRoom(t *testing.T, servers *journeyServers) {
	transports := allTransports()
	tcp := join(t, servers, transports[0], "room_tcp", "Private")
	sshc := join(t, servers, transports[1], "room_ssh", "Sergeant")
	ws := join(t, servers, transports[2], "room_ws", "General")

	tcp.send(t, "create-room bunker")
	tcp.expect(t, "room bunker created", journeyTimeout)
	sshc.send(t, "join-room bunker")
	sshc.expect(t, "joined room bunker", journeyTimeout)
	ws.send(t, "join-room bunker")
	ws.expect(t, "joined room bunker", journeyTimeout)

	ws.send(t, "room bunker hold position")
	ws.expect(t, "message sent to 2 members of bunker", journeyTimeout)
	tcp.expect(t, "[Room bunker] (General)room_ws: hold position", journeyTimeout)
	sshc.expect(t, "[Room bunker] (General)room_ws: hold position", journeyTimeout)

	ws.send(t, "promote room_tcp Lieutenant")
	ws.expect(t, "room_tcp is now Lieutenant", journeyTimeout)
	tcp.expect(t, "your role is now Lieutenant", journeyTimeout)

	stored, err := servers.db.GetUserByUsername("room_tcp")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Lieutenant", stored.Role.String())
}

func runHealthEndpoint(t *testing.T, servers *journeyServers) {
	resp, err := http.Get("http://" + servers.metricsAddr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.GreaterOrEqual(t, health.RequestsAccepted, int64(3))

	metrics, err := http.Get("http://" + servers.metricsAddr + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestShutdownNotifiesClients(t *testing.T) {
	cfg := testConfig()
	srv, err := NewServer(cfg, Dependencies{Accounts: database.NewMemStore(0)})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	c := newTCPClient(t, srv.TCPAddr())
	defer c.close()
	c.expect(t, "/sign-up", journeyTimeout)
	c.send(t, "sign-up frank frank@example.com pw Private")
	c.expect(t, "welcome frank", journeyTimeout)

	require.NoError(t, srv.Stop())
	c.expect(t, "server shutting down", journeyTimeout)

	total, _ := srv.registry.SessionCounts()
	assert.Zero(t, total)
	require.NoError(t, srv.Stop(), "stop is idempotent")
}

// Connections accepted while Stop runs must either be refused or be closed
// by it; Stop must never wait on a session it did not see.
func TestStopWhileClientsConnect(t *testing.T) {
	for i := 0; i < 20; i++ {
		cfg := testConfig()
		cfg.HTTPPort = 0
		srv, err := NewServer(cfg, Dependencies{Accounts: database.NewMemStore(0)})
		require.NoError(t, err)
		require.NoError(t, srv.Start())

		tcpAddr := srv.TCPAddr()
		wsURL := "ws://" + srv.HTTPAddr() + "/ws"
		stop := make(chan struct{})
		var dialers sync.WaitGroup
		for d := 0; d < 4; d++ {
			dialers.Add(1)
			go func(ws bool) {
				defer dialers.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					if ws {
						conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
						if err == nil {
							defer conn.Close()
						}
					} else {
						conn, err := net.DialTimeout("tcp", tcpAddr, time.Second)
						if err == nil {
							defer conn.Close()
						}
					}
				}
			}(d%2 == 1)
		}

		time.Sleep(10 * time.Millisecond)
		stopped := make(chan error, 1)
		go func() { stopped <- srv.Stop() }()
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(journeyTimeout):
			close(stop)
			t.Fatalf("iteration %d: Stop did not return while clients were connecting", i)
		}
		close(stop)
		dialers.Wait()

		total, _ := srv.registry.SessionCounts()
		assert.Zero(t, total, "iteration %d", i)
	}
}
