package relay

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider is a controllable clock shared by the relay's
// registry and the test.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTime() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// testClient is a loopback UDP client that records everything the relay
// sends back to it.
type testClient struct {
	t    *testing.T
	conn net.Conn

	mu       sync.Mutex
	received [][]byte
}

func newTestClient(t *testing.T, relayAddr net.Addr) *testClient {
	t.Helper()

	conn, err := net.Dial("udp", relayAddr.String())
	require.NoError(t, err)

	c := &testClient{t: t, conn: conn}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	buffer := make([]byte, 65535)
	for {
		n, err := c.conn.Read(buffer)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buffer[:n])

		c.mu.Lock()
		c.received = append(c.received, payload)
		c.mu.Unlock()
	}
}

func (c *testClient) send(payload []byte) {
	c.t.Helper()
	_, err := c.conn.Write(payload)
	require.NoError(c.t, err)
}

// countMatching returns how many recorded payloads satisfy match.
func (c *testClient) countMatching(match func([]byte) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, payload := range c.received {
		if match(payload) {
			n++
		}
	}
	return n
}

// waitMatching polls until at least want payloads satisfy match or the
// deadline passes.
func (c *testClient) waitMatching(want int, match func([]byte) bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.countMatching(match) >= want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func equals(want string) func([]byte) bool {
	return func(payload []byte) bool { return string(payload) == want }
}

// startTestRelay binds a relay on an ephemeral loopback port.
func startTestRelay(t *testing.T, cfg Config) *Relay {
	t.Helper()

	cfg.Host = "127.0.0.1"
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	port := taken.LocalAddr().(*net.UDPAddr).Port
	_, err = New(Config{Host: "127.0.0.1", Port: port})
	assert.Error(t, err)
}

func TestAudioNeverEchoedToSender(t *testing.T) {
	r := startTestRelay(t, Config{})

	a := newTestClient(t, r.LocalAddr())
	b := newTestClient(t, r.LocalAddr())

	// Register both peers before the payload under test.
	a.send([]byte("warmup-a"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|1")))
	b.send([]byte("warmup-b"))
	require.True(t, b.waitMatching(1, equals("ICSV1|PEERS|2")))

	audio := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	a.send(audio)

	isAudio := func(p []byte) bool { return string(p) == string(audio) }
	assert.True(t, b.waitMatching(1, isAudio), "receiver should get the frame")

	// Give any stray echo time to arrive, then assert none did.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, a.countMatching(isAudio), "sender must never receive its own frame")
}

func TestLargeFrameForwardedVerbatim(t *testing.T) {
	r := startTestRelay(t, Config{})

	a := newTestClient(t, r.LocalAddr())
	b := newTestClient(t, r.LocalAddr())

	a.send([]byte("warmup-a"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|1")))
	b.send([]byte("warmup-b"))
	require.True(t, b.waitMatching(1, equals("ICSV1|PEERS|2")))

	// 20 ms of 48 kHz stereo 16-bit PCM: larger than any control frame
	// and larger than a small read buffer would allow.
	frame := make([]byte, 3840)
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	a.send(frame)

	intact := func(p []byte) bool { return bytes.Equal(p, frame) }
	require.True(t, b.waitMatching(1, intact), "frame must arrive byte-identical and untruncated")
}

func TestPresenceEchoedToEveryone(t *testing.T) {
	r := startTestRelay(t, Config{})

	clients := []*testClient{
		newTestClient(t, r.LocalAddr()),
		newTestClient(t, r.LocalAddr()),
		newTestClient(t, r.LocalAddr()),
	}
	announces := []string{
		"ICSV1|PRES|peer-a|Alice",
		"ICSV1|PRES|peer-b|Bob",
		"ICSV1|PRES|peer-c|Chloe",
	}

	for i, c := range clients {
		c.send([]byte(announces[i]))
	}

	// Every client sees every announce, its own included. Late joiners
	// get earlier announces replayed as their initial snapshot.
	for i, c := range clients {
		for j, announce := range announces {
			ok := c.waitMatching(1, equals(announce))
			assert.True(t, ok, "client %d missing announce %d", i, j)
		}
	}
}

func TestAnnounceReplayedToLateJoinerVerbatim(t *testing.T) {
	r := startTestRelay(t, Config{})

	a := newTestClient(t, r.LocalAddr())

	// Three-field announce with no name field: the replay must carry
	// these exact bytes, not a re-encoding with a trailing separator.
	a.send([]byte("ICSV1|PRES|peer-a"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PRES|peer-a")))

	b := newTestClient(t, r.LocalAddr())
	b.send([]byte("warmup-b"))

	require.True(t, b.waitMatching(1, equals("ICSV1|PRES|peer-a")))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, b.countMatching(equals("ICSV1|PRES|peer-a|")))
}

func TestPeerCountStrictlyIncreasing(t *testing.T) {
	r := startTestRelay(t, Config{})

	a := newTestClient(t, r.LocalAddr())
	a.send([]byte("hello"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|1")))

	b := newTestClient(t, r.LocalAddr())
	b.send([]byte("hello"))

	// Both joins produce a broadcast and the counts increase.
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|2")))
	require.True(t, b.waitMatching(1, equals("ICSV1|PEERS|2")))
	assert.Equal(t, 2, r.PeerCount())

	// Repeat traffic from known peers does not re-broadcast the count.
	a.send([]byte("more"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, a.countMatching(equals("ICSV1|PEERS|2")))
}

func TestSweepEmitsDepartureThenCount(t *testing.T) {
	clock := newMockTime()
	r := startTestRelay(t, Config{
		TimeProvider: clock,
		// Keep the background ticker out of the way; the test drives
		// the sweep directly.
		SweepInterval: time.Hour,
	})

	a := newTestClient(t, r.LocalAddr())
	b := newTestClient(t, r.LocalAddr())
	c := newTestClient(t, r.LocalAddr())

	a.send([]byte("ICSV1|PRES|peer-a|Alice"))
	b.send([]byte("ICSV1|PRES|peer-b|Bob"))
	c.send([]byte("ICSV1|PRES|peer-c|Chloe"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PRES|peer-c|Chloe")))
	require.Equal(t, 3, r.PeerCount())

	// A and B keep talking; C goes silent for 16 seconds.
	clock.Advance(10 * time.Second)
	a.send([]byte("keepalive"))
	b.send([]byte("keepalive"))
	require.True(t, a.waitMatching(1, equals("keepalive")))
	require.True(t, b.waitMatching(1, equals("keepalive")))

	clock.Advance(6 * time.Second)
	r.sweepStale()

	require.True(t, a.waitMatching(1, equals("ICSV1|GONE|peer-c")))
	require.True(t, b.waitMatching(1, equals("ICSV1|GONE|peer-c")))
	// One PEERS|2 arrived when B joined; the sweep adds a second.
	require.True(t, a.waitMatching(2, equals("ICSV1|PEERS|2")))
	assert.Equal(t, 2, r.PeerCount())

	// Exactly one departure notice for C.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, a.countMatching(equals("ICSV1|GONE|peer-c")))
}

func TestSweepWithoutExpiredPeersIsSilent(t *testing.T) {
	clock := newMockTime()
	r := startTestRelay(t, Config{TimeProvider: clock, SweepInterval: time.Hour})

	a := newTestClient(t, r.LocalAddr())
	a.send([]byte("hello"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|1")))

	r.sweepStale()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, a.countMatching(equals("ICSV1|PEERS|1")))
	assert.Equal(t, 1, r.PeerCount())
}

func TestStatsCountTraffic(t *testing.T) {
	r := startTestRelay(t, Config{})

	a := newTestClient(t, r.LocalAddr())
	b := newTestClient(t, r.LocalAddr())

	a.send([]byte("audio-1"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PEERS|1")))
	b.send([]byte("ICSV1|PRES|peer-b|Bob"))
	require.True(t, a.waitMatching(1, equals("ICSV1|PRES|peer-b|Bob")))

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.DatagramsReceived)
	assert.Equal(t, uint64(1), stats.ControlFrames)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := startTestRelay(t, Config{})
	assert.NoError(t, r.Close())
	_ = r.Close()
}
