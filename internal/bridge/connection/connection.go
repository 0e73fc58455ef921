package connection

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the per-call actions the authority forwards to a
// connection. Backends implement it; embed BaseHandler for no-op defaults.
type Handler interface {
	OnAnswer(c *Connection)
	OnReject(c *Connection)
	OnHold(c *Connection)
	OnUnhold(c *Connection)
	OnDisconnect(c *Connection)
	OnAbort(c *Connection)
	OnPlayDTMF(c *Connection, digit rune)
	OnStopDTMF(c *Connection)
	OnSetAudioState(c *Connection, state AudioState)
	OnPostDialContinue(c *Connection, proceed bool)
}

// BaseHandler implements Handler with no-ops.
type BaseHandler struct{}

func (BaseHandler) OnAnswer(*Connection)                    {}
func (BaseHandler) OnReject(*Connection)                    {}
func (BaseHandler) OnHold(*Connection)                      {}
func (BaseHandler) OnUnhold(*Connection)                    {}
func (BaseHandler) OnDisconnect(*Connection)                {}
func (BaseHandler) OnAbort(*Connection)                     {}
func (BaseHandler) OnPlayDTMF(*Connection, rune)            {}
func (BaseHandler) OnStopDTMF(*Connection)                  {}
func (BaseHandler) OnSetAudioState(*Connection, AudioState) {}
func (BaseHandler) OnPostDialContinue(*Connection, bool)    {}

// Connection is one backend call leg. Identity is the pointer: two
// Connections are the same call only if they are the same object.
//
// Thread Safety: All methods are safe for concurrent use. Observers are
// notified outside the internal lock.
type Connection struct {
	mu sync.RWMutex

	localID string
	handler Handler

	state             State
	features          Features
	address           string
	presentation      Presentation
	parent            *Connection
	conferenceCapable bool
	ringback          bool
	audio             AudioState
	postDialRemaining string
	disconnectCause   DisconnectCause
	disconnectMessage string
	extras            map[string]string
	destroyed         bool

	obsMu     sync.Mutex
	observers []observerEntry
	nextObsID uint64
}

// Option configures a new Connection.
type Option func(*Connection)

// WithAddress sets the remote address and its presentation.
func WithAddress(address string, presentation Presentation) Option {
	return func(c *Connection) {
		c.address = address
		c.presentation = presentation
	}
}

// WithState sets the initial state without emitting an event.
func WithState(s State) Option {
	return func(c *Connection) {
		c.state = s
	}
}

// WithFeatures sets the initial feature mask.
func WithFeatures(f Features) Option {
	return func(c *Connection) {
		c.features = f
	}
}

// WithLocalID overrides the generated local identifier.
func WithLocalID(id string) Option {
	return func(c *Connection) {
		c.localID = id
	}
}

// WithExtras attaches backend-specific key/value data.
func WithExtras(extras map[string]string) Option {
	return func(c *Connection) {
		c.extras = maps.Clone(extras)
	}
}

// New creates a connection in StateNew driven by h. A nil handler is
// replaced by BaseHandler.
func New(h Handler, opts ...Option) *Connection {
	if h == nil {
		h = BaseHandler{}
	}
	c := &Connection{
		localID: "conn-" + uuid.New().String(),
		handler: h,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalID is a backend-local identifier used in logs. It is unrelated to
// the call identifier known to the authority.
func (c *Connection) LocalID() string { return c.localID }

// String implements fmt.Stringer for logging.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{%s %s}", c.localID, c.State())
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Features returns the current feature mask.
func (c *Connection) Features() Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features
}

// Address returns the remote address. It may be presentation-restricted;
// check Presentation before revealing it.
func (c *Connection) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// Presentation returns the address presentation.
func (c *Connection) Presentation() Presentation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presentation
}

// Parent returns the conference this connection belongs to, or nil.
func (c *Connection) Parent() *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

// ConferenceCapable reports whether the connection can join a conference.
func (c *Connection) ConferenceCapable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conferenceCapable
}

// AudioState returns the last audio state pushed by the authority.
func (c *Connection) AudioState() AudioState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audio
}

// DisconnectReason returns the cause and message recorded by SetDisconnected.
func (c *Connection) DisconnectReason() (DisconnectCause, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnectCause, c.disconnectMessage
}

// PostDialRemaining returns the digits still pending after a post-dial wait.
func (c *Connection) PostDialRemaining() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.postDialRemaining
}

// RequestingRingback reports whether the backend asked for local ringback.
func (c *Connection) RequestingRingback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ringback
}

// Extra returns backend-specific data attached at creation.
func (c *Connection) Extra(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extras[key]
}

// IsDestroyed reports whether Destroy has been called.
func (c *Connection) IsDestroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// --- Observers ---

// Subscribe attaches an observer and returns the handle that detaches it.
func (c *Connection) Subscribe(obs Observer) *Subscription {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	c.observers = append(c.observers, observerEntry{id: c.nextObsID, obs: obs})
	return &Subscription{conn: c, id: c.nextObsID}
}

// ObserverCount returns the number of attached observers.
func (c *Connection) ObserverCount() int {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	return len(c.observers)
}

func (c *Connection) removeObserver(id uint64) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for i, e := range c.observers {
		if e.id == id {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Connection) notify(fn func(Observer)) {
	c.obsMu.Lock()
	snapshot := make([]observerEntry, len(c.observers))
	copy(snapshot, c.observers)
	c.obsMu.Unlock()

	for _, e := range snapshot {
		fn(e.obs)
	}
}

// --- Actions forwarded from the authority ---

func (c *Connection) Answer()                  { c.handler.OnAnswer(c) }
func (c *Connection) Reject()                  { c.handler.OnReject(c) }
func (c *Connection) Hold()                    { c.handler.OnHold(c) }
func (c *Connection) Unhold()                  { c.handler.OnUnhold(c) }
func (c *Connection) Disconnect()              { c.handler.OnDisconnect(c) }
func (c *Connection) Abort()                   { c.handler.OnAbort(c) }
func (c *Connection) PlayDTMF(digit rune)      { c.handler.OnPlayDTMF(c, digit) }
func (c *Connection) StopDTMF()                { c.handler.OnStopDTMF(c) }
func (c *Connection) PostDialContinue(ok bool) { c.handler.OnPostDialContinue(c, ok) }

// SetAudioState records the authority's audio configuration, hands it to
// the backend and notifies observers.
func (c *Connection) SetAudioState(state AudioState) {
	c.mu.Lock()
	c.audio = state
	c.mu.Unlock()

	c.handler.OnSetAudioState(c, state)
	c.notify(func(o Observer) { o.OnAudioStateChanged(c, state) })
}

// SetFeatures replaces the feature mask. Observers are notified only on
// an actual change.
func (c *Connection) SetFeatures(f Features) {
	c.mu.Lock()
	if c.features == f {
		c.mu.Unlock()
		return
	}
	c.features = f
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnFeaturesChanged(c, f) })
}

// --- State changes driven by the backend ---

// SetRinging moves the connection to StateRinging.
func (c *Connection) SetRinging() error { return c.setState(StateRinging) }

// SetDialing moves the connection to StateDialing.
func (c *Connection) SetDialing() error { return c.setState(StateDialing) }

// SetActive moves the connection to StateActive.
func (c *Connection) SetActive() error { return c.setState(StateActive) }

// SetOnHold moves the connection to StateHolding.
func (c *Connection) SetOnHold() error { return c.setState(StateHolding) }

// SetDisconnected records the cause, moves to StateDisconnected and emits
// the dedicated disconnect event after the state change.
func (c *Connection) SetDisconnected(cause DisconnectCause, message string) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnectCause = cause
	c.disconnectMessage = message
	c.mu.Unlock()

	if err := c.setState(StateDisconnected); err != nil {
		return err
	}
	c.notify(func(o Observer) { o.OnDisconnected(c, cause, message) })
	return nil
}

func (c *Connection) setState(next State) error {
	c.mu.Lock()
	cur := c.state
	if cur == next {
		c.mu.Unlock()
		return nil
	}
	if !cur.CanTransitionTo(next) {
		c.mu.Unlock()
		return &StateTransitionError{ID: c.localID, From: cur, To: next}
	}
	c.state = next
	c.mu.Unlock()

	slog.Debug("[Connection] State changed", "conn", c.localID, "from", cur, "to", next)
	c.notify(func(o Observer) { o.OnStateChanged(c, next) })
	return nil
}

// SetAddress replaces the remote address.
func (c *Connection) SetAddress(address string, presentation Presentation) {
	c.mu.Lock()
	c.address = address
	c.presentation = presentation
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnAddressChanged(c, address) })
}

// SetSignal reports backend signal details (strength, network, ...).
func (c *Connection) SetSignal(details map[string]string) {
	d := maps.Clone(details)
	c.notify(func(o Observer) { o.OnSignalChanged(c, d) })
}

// SetPostDialWait tells observers the backend paused on a wait character
// with digits still to send.
func (c *Connection) SetPostDialWait(remaining string) {
	c.mu.Lock()
	c.postDialRemaining = remaining
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnPostDialWait(c, remaining) })
}

// SetRequestingRingback asks the authority to play (or stop) ringback.
func (c *Connection) SetRequestingRingback(ringback bool) {
	c.mu.Lock()
	if c.ringback == ringback {
		c.mu.Unlock()
		return
	}
	c.ringback = ringback
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnRequestingRingback(c, ringback) })
}

// SetConferenceCapable updates whether the connection can be merged.
func (c *Connection) SetConferenceCapable(capable bool) {
	c.mu.Lock()
	if c.conferenceCapable == capable {
		c.mu.Unlock()
		return
	}
	c.conferenceCapable = capable
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnConferenceCapableChanged(c, capable) })
}

// SetParent moves the connection into (or, with nil, out of) a conference.
func (c *Connection) SetParent(parent *Connection) {
	c.mu.Lock()
	if c.parent == parent {
		c.mu.Unlock()
		return
	}
	c.parent = parent
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnParentChanged(c, parent) })
}

// Destroy emits the destroyed event once. It does not change the state:
// a connection can be destroyed from any state.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnDestroyed(c) })
}
