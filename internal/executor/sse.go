package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
)

// sseDriver streams server-sent events. The response body is relayed chunk
// by chunk with a flush after every read; a read gap longer than the idle
// timeout aborts the stream.
type sseDriver struct {
	client   *http.Client
	timeouts Timeouts
	logger   observability.Logger
}

func newSSEDriver(t Timeouts, logger observability.Logger) *sseDriver {
	return &sseDriver{
		client: &http.Client{
			Transport: newTransport(t.Connect),
		},
		timeouts: t,
		logger:   logger,
	}
}

// Execute implements Driver. The stream is written directly to the client;
// headers and status pass through before the first event.
func (d *sseDriver) Execute(w http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, oagwerr.New(oagwerr.KindProtocolError, "client connection does not support streaming")
	}

	clientCtx := ex.ClientRequest.Context()
	ctx, cancel := context.WithCancel(clientCtx)
	defer cancel()

	out, buildErr := buildOutbound(ctx, ex)
	if buildErr != nil {
		return nil, buildErr
	}
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "text/event-stream")
	}

	resp, err := d.client.Do(out)
	if err != nil {
		return nil, classifyTransport(clientCtx, err, time.Second)
	}
	defer resp.Body.Close()

	if ct := canonicalMIME(resp.Header.Get("Content-Type")); resp.StatusCode == http.StatusOK && ct != "text/event-stream" {
		return nil, oagwerr.New(oagwerr.KindProtocolError, "upstream did not open an event stream").
			WithField("content_type", ct)
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	if abortErr := d.relay(clientCtx, w, flusher, resp, cancel); abortErr != nil {
		// Headers are already on the wire; the caller can only log and
		// account the failure.
		return nil, abortErr
	}
	return nil, nil
}

// relay copies the event stream, policing the idle gap between reads.
func (d *sseDriver) relay(clientCtx context.Context, w http.ResponseWriter, flusher http.Flusher, resp *http.Response, cancel context.CancelFunc) *oagwerr.Error {
	type readResult struct {
		chunk []byte
		err   error
	}

	reads := make(chan readResult, 1)
	done := make(chan struct{})
	defer close(done)
	idle := time.NewTimer(d.timeouts.Idle)
	defer idle.Stop()

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := resp.Body.Read(buf)
			var chunk []byte
			if n > 0 {
				chunk = append(chunk, buf[:n]...)
			}
			// The receiver stops selecting on reads once it aborts the
			// stream; bail out instead of blocking on the send forever.
			select {
			case reads <- readResult{chunk: chunk, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case r := <-reads:
			if len(r.chunk) > 0 {
				if _, werr := w.Write(r.chunk); werr != nil {
					cancel()
					return oagwerr.Wrap(oagwerr.KindStreamAborted, "client disconnected", werr)
				}
				flusher.Flush()
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return classifyTransport(clientCtx, r.err, time.Second)
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.timeouts.Idle)

		case <-idle.C:
			cancel()
			return classifyIdle(clientCtx, nil, time.Second)

		case <-clientCtx.Done():
			cancel()
			return oagwerr.Wrap(oagwerr.KindStreamAborted, "client disconnected", clientCtx.Err())
		}
	}
}
