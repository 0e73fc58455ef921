package sipline

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pion/sdp/v3"
)

// discardPort is advertised for every audio stream. The bridge carries
// signalling only, so streams are always marked inactive.
const discardPort = 9

// rtpmaps lists the static payload types we are willing to accept, in
// order of preference.
var rtpmaps = []struct {
	format string
	rtpmap string
}{
	{"0", "PCMU/8000"},
	{"8", "PCMA/8000"},
	{"18", "G729/8000"},
	{"101", "telephone-event/8000"},
}

func rtpmapFor(format string) (string, bool) {
	for _, m := range rtpmaps {
		if m.format == format {
			return m.rtpmap, true
		}
	}
	return "", false
}

// buildOffer creates the SDP offer sent with outgoing INVITEs.
func buildOffer(addr string) ([]byte, error) {
	formats := make([]string, 0, len(rtpmaps))
	for _, m := range rtpmaps {
		formats = append(formats, m.format)
	}
	return marshalSession(addr, formats)
}

// buildAnswer selects the first offered codec we know (plus
// telephone-event when offered) and answers with an inactive stream.
func buildAnswer(offer []byte, addr string) ([]byte, error) {
	if len(offer) == 0 {
		return nil, errors.New("no SDP offer")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("failed to parse SDP offer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errors.New("no audio stream in SDP offer")
	}

	var selected []string
	for _, f := range audio.MediaName.Formats {
		if f == "101" {
			continue
		}
		if _, ok := rtpmapFor(f); ok {
			selected = append(selected, f)
			break
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no supported codec in %v", audio.MediaName.Formats)
	}
	if slices.Contains(audio.MediaName.Formats, "101") {
		selected = append(selected, "101")
	}
	return marshalSession(addr, selected)
}

func marshalSession(addr string, formats []string) ([]byte, error) {
	attrs := make([]sdp.Attribute, 0, len(formats)+3)
	for _, f := range formats {
		if rtpmap, ok := rtpmapFor(f); ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
		if f == "101" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: "101 0-15"})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "inactive"},
	)

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "connbridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "connbridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: discardPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}
