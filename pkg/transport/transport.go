// SPDX-License-Identifier: Apache-2.0

// Package transport is the sole boundary between the dispatch core and
// agent execution. A Transport delivers one request to one endpoint and
// reports the result through the typed error taxonomy.
package transport

import (
	"context"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/errors"
)

// Emit receives streamed response chunks. Returning an error aborts the
// stream and propagates to the Send caller.
type Emit func(core.Chunk) error

// Transport sends a request to a specific agent endpoint.
type Transport interface {
	// Send delivers the request and waits for the full response.
	// Failures are SwitchboardErrors carrying TIMEOUT, UNREACHABLE,
	// DECLINED, or PROTOCOL_ERROR codes.
	Send(ctx context.Context, endpoint core.Endpoint, req core.Request) (*core.Response, error)

	// SendStream delivers the request and relays delta chunks through
	// emit as they arrive, returning the assembled final response. The
	// transport never emits a Final chunk; the caller owns the
	// completion marker.
	SendStream(ctx context.Context, endpoint core.Endpoint, req core.Request, emit Emit) (*core.Response, error)
}

// OutcomeOf classifies a transport error as an attempt outcome.
func OutcomeOf(err error) core.Outcome {
	switch errors.CodeOf(err) {
	case errors.CodeTimeout, errors.CodeContextLost:
		return core.OutcomeTimeout
	case errors.CodeUnreachable:
		return core.OutcomeUnreachable
	case errors.CodeDeclined:
		return core.OutcomeDeclined
	default:
		return core.OutcomeProtocol
	}
}
