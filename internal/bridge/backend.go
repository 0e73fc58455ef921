package bridge

import "github.com/sebas/connbridge/internal/bridge/connection"

// Backend creates connections on request. Each method must deliver exactly
// one outcome through its response, from any goroutine and at any time,
// including synchronously before returning.
type Backend interface {
	// OnCreateOutgoingConnection places a new outgoing call.
	OnCreateOutgoingConnection(req connection.Request, resp connection.OutgoingResponse[*connection.Connection])

	// OnCreateIncomingConnection produces the connection for an incoming
	// call the authority announced. Exactly one result is expected.
	OnCreateIncomingConnection(req connection.Request, resp connection.Response)

	// OnCreateConferenceConnection returns a new or existing conference
	// aggregate for source. req.CallID is the conference identifier.
	OnCreateConferenceConnection(req connection.Request, source *connection.Connection, resp connection.Response)
}

// Hooks observe registry membership. Both methods run on the service loop.
type Hooks interface {
	OnConnectionAdded(id string, c *connection.Connection)
	OnConnectionRemoved(id string, c *connection.Connection)
}
