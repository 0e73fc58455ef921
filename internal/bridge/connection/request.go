package connection

import "maps"

// Request is the intent to create or locate a connection.
type Request struct {
	CallID  string
	Address string
	Extras  map[string]string
}

// NewRequest builds a Request, copying extras so later mutation by the
// caller cannot leak into the request.
func NewRequest(callID, address string, extras map[string]string) Request {
	return Request{
		CallID:  callID,
		Address: address,
		Extras:  maps.Clone(extras),
	}
}

// Extra returns a single extra value or "".
func (r Request) Extra(key string) string {
	if r.Extras == nil {
		return ""
	}
	return r.Extras[key]
}

// CallInfo is what the authority receives for a new incoming call.
type CallInfo struct {
	CallID  string    `json:"call_id"`
	State   CallState `json:"state"`
	Address string    `json:"address"`
}
