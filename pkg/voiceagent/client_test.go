package voiceagent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVendor struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	messages []map[string]interface{}
	conns    []*websocket.Conn
	auth     []string
	accepted atomic.Int32
}

func newFakeVendor(t *testing.T) *fakeVendor {
	v := &fakeVendor{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := v.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.auth = append(v.auth, r.Header.Get("Authorization"))
		v.mu.Unlock()
		v.accepted.Add(1)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				v.mu.Lock()
				v.messages = append(v.messages, m)
				v.mu.Unlock()
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVendor) types() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.messages))
	for _, m := range v.messages {
		out = append(out, m["type"].(string))
	}
	return out
}

func (v *fakeVendor) message(i int) map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.messages[i]
}

func (v *fakeVendor) authAt(t *testing.T, i int) string {
	v.conn(t, i)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.auth[i]
}

func (v *fakeVendor) conn(t *testing.T, i int) *websocket.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return int(v.accepted.Load()) > i }, 2*time.Second, 5*time.Millisecond)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns[i]
}

func (v *fakeVendor) waitTypes(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(v.types()) >= n }, 2*time.Second, 5*time.Millisecond)
	return v.types()
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
}

func TestHandshakeAndAudio(t *testing.T) {
	v := newFakeVendor(t)
	c := New(Config{WSURL: v.url(), APIKey: "vk", AgentID: "agent-7", Greeting: true})
	connect(t, c)
	assert.Equal(t, StateConnected, c.State())

	assert.Equal(t, []string{EventSessionUpdate, EventConversationCreate, EventResponseCreate}, v.waitTypes(t, 3))
	session := v.message(0)["session"].(map[string]interface{})
	in := session["input_audio_format"].(map[string]interface{})
	assert.Equal(t, "pcm16", in["type"])
	assert.Equal(t, float64(16000), in["sample_rate"])
	assert.Equal(t, "agent-7", v.message(1)["agent_id"])
	assert.Equal(t, "Bearer vk", v.authAt(t, 0))

	pcm := []byte{1, 2, 3, 4}
	c.SendAudio(pcm)
	c.Commit()
	types := v.waitTypes(t, 5)
	assert.Equal(t, []string{EventAudioAppend, EventAudioCommit}, types[3:5])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), v.message(3)["audio"])

	// nothing appended since the last commit: 100 ms of silence first
	c.Commit()
	types = v.waitTypes(t, 7)
	assert.Equal(t, []string{EventAudioAppend, EventAudioCommit}, types[5:7])
	silence, err := base64.StdEncoding.DecodeString(v.message(5)["audio"].(string))
	require.NoError(t, err)
	assert.Len(t, silence, 3200)
	for _, b := range silence {
		require.Zero(t, b)
	}
}

func TestVendorAudioDelivered(t *testing.T) {
	v := newFakeVendor(t)
	c := New(Config{WSURL: v.url()})
	got := make(chan []byte, 4)
	c.OnAudio(func(pcm []byte) { got <- pcm })
	connect(t, c)

	conn := v.conn(t, 0)
	delta := base64.StdEncoding.EncodeToString([]byte{9, 8})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"`+delta+`"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio":"`+base64.StdEncoding.EncodeToString([]byte{7})+`"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.text.delta","delta":"aGk="}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{6, 5}))

	want := [][]byte{{9, 8}, {7}, {6, 5}}
	for _, w := range want {
		select {
		case pcm := <-got:
			assert.Equal(t, w, pcm)
		case <-time.After(2 * time.Second):
			t.Fatal("audio not delivered")
		}
	}
}

func TestReconnectAfterVendorClose(t *testing.T) {
	v := newFakeVendor(t)
	var reconnects atomic.Int32
	c := New(Config{WSURL: v.url(), Greeting: true, BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond},
		WithReconnectHook(func() { reconnects.Add(1) }))
	connect(t, c)
	v.waitTypes(t, 2)

	require.NoError(t, v.conn(t, 0).Close())
	require.Eventually(t, func() bool {
		return v.accepted.Load() == 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), reconnects.Load())

	types := v.waitTypes(t, 3)
	greetings := 0
	for _, tp := range types {
		if tp == EventResponseCreate {
			greetings++
		}
	}
	assert.Equal(t, 1, greetings, "greeting only on the first connection")
}

func TestCloseAbortsBackoff(t *testing.T) {
	c := New(Config{WSURL: "ws://127.0.0.1:1/unreachable", BackoffBase: time.Second, BackoffMax: time.Minute, DialTimeout: 100 * time.Millisecond})
	c.Start()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())

	c.SendAudio([]byte{1})
	assert.Equal(t, int64(1), c.Dropped())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), ErrClosed)
	require.NoError(t, c.Close())
}

func TestCloseWithoutStart(t *testing.T) {
	c := New(Config{WSURL: "ws://127.0.0.1:1"})
	require.NoError(t, c.Close())
}

func TestSignedURLExchange(t *testing.T) {
	v := newFakeVendor(t)
	var mu sync.Mutex
	var gotAuth, gotAgent string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.URL.Query().Get("agent_id")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signed_url":"` + v.url() + `/signed"}`))
	}))
	defer api.Close()

	c := New(Config{SignedURLEndpoint: api.URL, APIKey: "vk", AgentID: "a1"})
	connect(t, c)
	mu.Lock()
	assert.Equal(t, "Bearer vk", gotAuth)
	assert.Equal(t, "a1", gotAgent)
	mu.Unlock()
	assert.Empty(t, v.authAt(t, 0), "signed URLs carry their own credential")
	assert.Equal(t, int32(1), v.accepted.Load())
}

func TestAudioBeforeFirstConnectIsHeld(t *testing.T) {
	v := newFakeVendor(t)
	c := New(Config{WSURL: v.url()})
	c.SendAudio([]byte{1, 1})
	c.SendAudio([]byte{2, 2})
	connect(t, c)

	types := v.waitTypes(t, 3)
	assert.Equal(t, []string{EventSessionUpdate, EventAudioAppend, EventAudioAppend}, types)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 1}), v.message(1)["audio"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{2, 2}), v.message(2)["audio"])
	assert.Zero(t, c.Dropped())
}

func TestSendAudioDoesNotBlockOnStalledVendor(t *testing.T) {
	release := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(Config{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	connect(t, c)

	big := make([]byte, 256*1024)
	var worst time.Duration
	for i := 0; i < 80; i++ {
		start := time.Now()
		c.SendAudio(big)
		if d := time.Since(start); d > worst {
			worst = d
		}
	}
	for i := 0; i < sendQueueSize; i++ {
		start := time.Now()
		c.SendAudio([]byte{1, 2})
		c.Commit()
		if d := time.Since(start); d > worst {
			worst = d
		}
	}
	assert.Less(t, worst, 500*time.Millisecond, "caller never waits on the vendor socket")
	assert.Positive(t, c.Dropped(), "overflow of the send queue is counted")
}

func TestCommitNeverPrecedesSessionUpdate(t *testing.T) {
	v := newFakeVendor(t)
	c := New(Config{WSURL: v.url()})
	c.Commit()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Commit()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	connect(t, c)
	types := v.waitTypes(t, 2)
	close(stop)
	wg.Wait()

	assert.Equal(t, EventSessionUpdate, types[0])
}
