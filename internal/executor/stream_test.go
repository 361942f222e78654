package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

func TestSSEDriverRelaysEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("data: tick\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/events"))
	rec := httptest.NewRecorder()

	d := newSSEDriver(Timeouts{}.withDefaults(), nil)
	resp, execErr := d.Execute(rec, ex)
	require.Nil(t, execErr)
	assert.Nil(t, resp, "streamed responses are written directly")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: tick\n\ndata: tick\n\ndata: tick\n\n", rec.Body.String())
}

func TestSSEDriverRejectsNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newSSEDriver(Timeouts{}.withDefaults(), nil)
	_, execErr := d.Execute(httptest.NewRecorder(), exchangeFor(t, srv, pluginRequest(http.MethodGet, "/events")))
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindProtocolError, execErr.Kind)
}

func TestSSEDriverIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	timeouts := Timeouts{}.withDefaults()
	timeouts.Idle = 50 * time.Millisecond
	d := newSSEDriver(timeouts, nil)

	_, execErr := d.Execute(httptest.NewRecorder(), exchangeFor(t, srv, pluginRequest(http.MethodGet, "/events")))
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindIdleTimeout, execErr.Kind)
}

func TestSSEDriverClientDisconnect(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/events"))
	ctx, cancel := context.WithCancel(context.Background())
	ex.ClientRequest = ex.ClientRequest.WithContext(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	d := newSSEDriver(Timeouts{}.withDefaults(), nil)
	_, execErr := d.Execute(httptest.NewRecorder(), ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindStreamAborted, execErr.Kind)
}

// brokenClientWriter accepts headers but fails every body write, like a
// client that vanished mid-stream.
type brokenClientWriter struct{ header http.Header }

func (w *brokenClientWriter) Header() http.Header       { return w.header }
func (w *brokenClientWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (w *brokenClientWriter) WriteHeader(int)           {}
func (w *brokenClientWriter) Flush()                    {}

func TestSSEDriverReaderStopsOnClientAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for r.Context().Err() == nil {
			_, _ = w.Write([]byte("data: tick\n\n"))
			flusher.Flush()
			time.Sleep(time.Millisecond)
		}
	}))
	defer srv.Close()

	d := newSSEDriver(Timeouts{}.withDefaults(), nil)
	before := runtime.NumGoroutine()

	for i := 0; i < 4; i++ {
		ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/events"))
		_, execErr := d.Execute(&brokenClientWriter{header: make(http.Header)}, ex)
		require.NotNil(t, execErr)
		assert.Equal(t, oagwerr.KindStreamAborted, execErr.Kind)
	}

	// The body readers must not stay parked on the result channel after
	// their streams aborted.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketDriverRelays(t *testing.T) {
	upstreamUpgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upstreamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	d := newWebSocketDriver(Timeouts{}.withDefaults(), nil)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := pluginRequest(http.MethodGet, "/ws")
		req.Header = r.Header.Clone()
		ex := &Exchange{
			Endpoint:      endpointFor(t, upstream),
			Request:       req,
			ClientRequest: r,
		}
		_, _ = d.Execute(w, ex)
	}))
	defer gateway.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+gateway.URL[len("http"):], nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", string(msg))
}

func TestWebSocketDriverUpstreamRefusesHandshake(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusForbidden)
	}))
	defer upstream.Close()

	d := newWebSocketDriver(Timeouts{}.withDefaults(), nil)
	ex := exchangeFor(t, upstream, pluginRequest(http.MethodGet, "/ws"))
	_, execErr := d.Execute(httptest.NewRecorder(), ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindDownstreamError, execErr.Kind)
	assert.Equal(t, http.StatusForbidden, execErr.Fields["status"])
}
