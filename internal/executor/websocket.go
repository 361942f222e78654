package executor

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

// wsDriver relays WebSocket sessions at the message level. The concurrency
// permit for the session is held by the caller until Execute returns, which
// happens only when either side closes.
type wsDriver struct {
	upgrader websocket.Upgrader
	timeouts Timeouts
	logger   observability.Logger
}

func newWebSocketDriver(t Timeouts, logger observability.Logger) *wsDriver {
	return &wsDriver{
		upgrader: websocket.Upgrader{
			// Origin policy is enforced before admission.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		timeouts: t,
		logger:   logger,
	}
}

// Execute implements Driver. The upstream is dialed before the client
// connection is upgraded so a refused dial surfaces as a plain HTTP error.
func (d *wsDriver) Execute(w http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error) {
	clientCtx := ex.ClientRequest.Context()

	dialer := websocket.Dialer{HandshakeTimeout: d.timeouts.Connect}
	target := wsURL(ex)
	header := wsRequestHeaders(ex)

	upstreamConn, resp, err := dialer.DialContext(clientCtx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, oagwerr.New(oagwerr.KindDownstreamError, "upstream rejected websocket handshake").
				WithField("status", resp.StatusCode)
		}
		return nil, classifyTransport(clientCtx, err, time.Second)
	}
	defer upstreamConn.Close()

	clientConn, err := d.upgrader.Upgrade(w, ex.ClientRequest, wsResponseHeaders(resp))
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindProtocolError, "client websocket upgrade failed", err)
	}
	defer clientConn.Close()

	if relayErr := d.relay(clientConn, upstreamConn); relayErr != nil {
		if clientCtx.Err() != nil || websocket.IsCloseError(relayErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, nil
		}
		// The session is already established; surface for accounting only.
		return nil, oagwerr.Wrap(oagwerr.KindStreamAborted, "websocket session ended", relayErr)
	}
	return nil, nil
}

// relay copies messages in both directions until one side fails or closes.
func (d *wsDriver) relay(clientConn, upstreamConn *websocket.Conn) error {
	errCh := make(chan error, 2)

	go func() { errCh <- copyMessages(upstreamConn, clientConn) }()
	go func() { errCh <- copyMessages(clientConn, upstreamConn) }()

	err := <-errCh
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

func copyMessages(src, dst *websocket.Conn) error {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return err
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			return err
		}
	}
}

func wsURL(ex *Exchange) string {
	scheme := "ws"
	if ex.Endpoint.Scheme == "https" || ex.Endpoint.Scheme == "wss" {
		scheme = "wss"
	}
	u := scheme + "://" + ex.Endpoint.Addr() + ex.Request.Path
	if q := ex.Request.Query.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// wsRequestHeaders forwards the mutated request headers, excluding the
// handshake headers gorilla manages and the target selection header.
func wsRequestHeaders(ex *Exchange) http.Header {
	header := http.Header{}
	for k, vv := range ex.Request.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Del(selector.HeaderTargetHost)
	return header
}

// wsResponseHeaders forwards upstream handshake headers to the client,
// excluding the protocol headers gorilla manages.
func wsResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
