package sipline

import (
	"slices"
	"testing"

	"github.com/pion/sdp/v3"
)

func parseSDP(t *testing.T, body []byte) *sdp.MediaDescription {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal() error = %v\n%s", err, body)
	}
	if len(desc.MediaDescriptions) != 1 {
		t.Fatalf("got %d media descriptions, want 1", len(desc.MediaDescriptions))
	}
	if desc.ConnectionInformation == nil || desc.ConnectionInformation.Address.Address != "192.0.2.10" {
		t.Errorf("connection address = %+v, want 192.0.2.10", desc.ConnectionInformation)
	}
	return desc.MediaDescriptions[0]
}

func TestBuildOffer(t *testing.T) {
	body, err := buildOffer("192.0.2.10")
	if err != nil {
		t.Fatalf("buildOffer() error = %v", err)
	}
	m := parseSDP(t, body)
	if want := []string{"0", "8", "18", "101"}; !slices.Equal(m.MediaName.Formats, want) {
		t.Errorf("formats = %v, want %v", m.MediaName.Formats, want)
	}
	if m.MediaName.Port.Value != discardPort {
		t.Errorf("port = %d, want %d", m.MediaName.Port.Value, discardPort)
	}
	if _, ok := m.Attribute("inactive"); !ok {
		t.Error("offer is not inactive")
	}
}

func TestBuildAnswer(t *testing.T) {
	tests := []struct {
		name    string
		formats []string
		want    []string
		wantErr bool
	}{
		{"first known codec", []string{"8", "0", "101"}, []string{"8", "101"}, false},
		{"unknown codecs skipped", []string{"96", "18"}, []string{"18"}, false},
		{"telephone-event alone", []string{"101"}, nil, true},
		{"nothing supported", []string{"96", "97"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := marshalSession("198.51.100.1", tt.formats)
			if err != nil {
				t.Fatalf("marshalSession() error = %v", err)
			}
			body, err := buildAnswer(offer, "192.0.2.10")
			if tt.wantErr {
				if err == nil {
					t.Errorf("buildAnswer() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAnswer() error = %v", err)
			}
			m := parseSDP(t, body)
			if !slices.Equal(m.MediaName.Formats, tt.want) {
				t.Errorf("formats = %v, want %v", m.MediaName.Formats, tt.want)
			}
		})
	}
}

func TestBuildAnswerRejectsMissingOffer(t *testing.T) {
	if _, err := buildAnswer(nil, "192.0.2.10"); err == nil {
		t.Error("buildAnswer(nil) error = nil, want error")
	}
	if _, err := buildAnswer([]byte("not sdp"), "192.0.2.10"); err == nil {
		t.Error("buildAnswer(garbage) error = nil, want error")
	}
}
