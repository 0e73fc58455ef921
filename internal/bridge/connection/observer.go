package connection

import "sync"

// Observer receives connection lifecycle events. Callbacks are invoked
// synchronously on whichever goroutine changed the connection, outside the
// connection's lock.
type Observer interface {
	OnStateChanged(c *Connection, state State)
	OnFeaturesChanged(c *Connection, features Features)
	OnDisconnected(c *Connection, cause DisconnectCause, message string)
	OnAddressChanged(c *Connection, address string)
	OnAudioStateChanged(c *Connection, state AudioState)
	OnSignalChanged(c *Connection, details map[string]string)
	OnDestroyed(c *Connection)
	OnPostDialWait(c *Connection, remaining string)
	OnRequestingRingback(c *Connection, ringback bool)
	OnConferenceCapableChanged(c *Connection, capable bool)
	OnParentChanged(c *Connection, parent *Connection)
}

// BaseObserver implements Observer with no-ops. Embed it to handle only
// the events you care about.
type BaseObserver struct{}

func (BaseObserver) OnStateChanged(*Connection, State)                   {}
func (BaseObserver) OnFeaturesChanged(*Connection, Features)             {}
func (BaseObserver) OnDisconnected(*Connection, DisconnectCause, string) {}
func (BaseObserver) OnAddressChanged(*Connection, string)                {}
func (BaseObserver) OnAudioStateChanged(*Connection, AudioState)         {}
func (BaseObserver) OnSignalChanged(*Connection, map[string]string)      {}
func (BaseObserver) OnDestroyed(*Connection)                             {}
func (BaseObserver) OnPostDialWait(*Connection, string)                  {}
func (BaseObserver) OnRequestingRingback(*Connection, bool)              {}
func (BaseObserver) OnConferenceCapableChanged(*Connection, bool)        {}
func (BaseObserver) OnParentChanged(*Connection, *Connection)            {}

// Subscription is the handle returned by Subscribe. Cancel detaches the
// observer; it is safe to call more than once.
type Subscription struct {
	conn *Connection
	id   uint64
	once sync.Once
}

// Cancel detaches the observer from the connection.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.conn.removeObserver(s.id)
	})
}

type observerEntry struct {
	id  uint64
	obs Observer
}
