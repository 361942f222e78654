package executor

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// classifyTransport maps a transport error onto the gateway taxonomy. The
// client context is consulted first: a client disconnect is StreamAborted
// regardless of what error the transport surfaced, and is never an
// upstream failure.
func classifyTransport(clientCtx context.Context, err error, retryAfter time.Duration) *oagwerr.Error {
	if clientCtx.Err() != nil {
		return oagwerr.Wrap(oagwerr.KindStreamAborted, "client disconnected", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return oagwerr.Wrap(oagwerr.KindRequestTimeout, "upstream call exceeded request timeout", err).
			WithRetryAfter(retryAfter)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return oagwerr.Wrap(oagwerr.KindConnectionTimeout, "upstream connection timed out", err).
				WithRetryAfter(retryAfter)
		}
		return oagwerr.Wrap(oagwerr.KindRequestTimeout, "upstream call timed out", err).
			WithRetryAfter(retryAfter)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return oagwerr.Wrap(oagwerr.KindDownstreamError, "upstream connection failed", err)
	}

	return oagwerr.Wrap(oagwerr.KindProtocolError, "upstream exchange failed", err)
}

// classifyIdle maps an idle-read deadline hit on a streaming protocol.
func classifyIdle(clientCtx context.Context, err error, retryAfter time.Duration) *oagwerr.Error {
	if clientCtx.Err() != nil {
		return oagwerr.Wrap(oagwerr.KindStreamAborted, "client disconnected", err)
	}
	return oagwerr.Wrap(oagwerr.KindIdleTimeout, "upstream stream idle too long", err).
		WithRetryAfter(retryAfter)
}
