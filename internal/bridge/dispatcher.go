package bridge

import (
	"log/slog"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// dispatcher is the single observer attached to every registered
// connection. Events may arrive on any goroutine; each one is posted to the
// service loop and resolved through the registry there, so an event fired
// after unregistration finds nothing and is dropped.
type dispatcher struct {
	s *Service
}

var _ connection.Observer = (*dispatcher)(nil)

// forward posts fn with the resolved identifier of c.
func (d *dispatcher) forward(c *connection.Connection, event string, fn func(id string, a Adapter)) {
	d.s.loop.post(func() {
		id, ok := d.s.registry.IDOf(c)
		if !ok {
			slog.Debug("[Bridge] Dropping event for unregistered connection", "event", event, "conn", c.LocalID())
			return
		}
		fn(id, d.s.adapter)
	})
}

func (d *dispatcher) OnStateChanged(c *connection.Connection, state connection.State) {
	d.forward(c, "state", func(id string, a Adapter) {
		switch state {
		case connection.StateActive:
			a.SetActive(id)
		case connection.StateDialing:
			a.SetDialing(id)
		case connection.StateHolding:
			a.SetOnHold(id)
		case connection.StateRinging:
			a.SetRinging(id)
		case connection.StateNew, connection.StateDisconnected:
			// New is internal only. Disconnected is reported by
			// OnDisconnected, which carries the cause.
		}
	})
}

func (d *dispatcher) OnDisconnected(c *connection.Connection, cause connection.DisconnectCause, message string) {
	d.forward(c, "disconnected", func(id string, a Adapter) {
		a.SetDisconnected(id, cause, message)
	})
}

func (d *dispatcher) OnFeaturesChanged(c *connection.Connection, features connection.Features) {
	d.forward(c, "features", func(id string, a Adapter) {
		a.SetFeatures(id, features)
	})
}

func (d *dispatcher) OnPostDialWait(c *connection.Connection, remaining string) {
	d.forward(c, "post_dial_wait", func(id string, a Adapter) {
		a.OnPostDialWait(id, remaining)
	})
}

func (d *dispatcher) OnRequestingRingback(c *connection.Connection, ringback bool) {
	d.forward(c, "ringback", func(id string, a Adapter) {
		a.SetRequestingRingback(id, ringback)
	})
}

func (d *dispatcher) OnConferenceCapableChanged(c *connection.Connection, capable bool) {
	d.forward(c, "conference_capable", func(id string, a Adapter) {
		a.SetCanConference(id, capable)
	})
}

func (d *dispatcher) OnParentChanged(c *connection.Connection, parent *connection.Connection) {
	d.forward(c, "parent", func(id string, a Adapter) {
		// An unregistered parent is reported as no parent.
		parentID, _ := d.s.registry.IDOf(parent)
		a.SetIsConferenced(id, parentID)
	})
}

func (d *dispatcher) OnDestroyed(c *connection.Connection) {
	d.s.loop.post(func() {
		d.s.remove(c)
	})
}

// Address, audio-state and signal changes have no authority counterpart.

func (d *dispatcher) OnAddressChanged(*connection.Connection, string)                   {}
func (d *dispatcher) OnAudioStateChanged(*connection.Connection, connection.AudioState) {}
func (d *dispatcher) OnSignalChanged(*connection.Connection, map[string]string)         {}
