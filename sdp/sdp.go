// Package sdp renders and reads the audio session descriptions carried in
// INVITE and 200 OK bodies. Media codecs come from the media collaborator
// and are emitted as given, the core does not validate them.
package sdp

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/yuzhay/govoip/media"
)

const (
	sessionUsername = "govoip"
	sessionName     = "govoip " + version
	version         = "0.1.0"
)

// Session describes the audio offer or answer to render.
type Session struct {
	ID     uint32
	BindIP string
	Media  media.Map
	Mode   media.TransmitMode
}

// Marshal renders the session in the fixed line order registrars expect:
// v, o, s, c, t, one m per port with rtpmap/fmtp attributes, then
// ptime, maxptime and the direction attribute.
func Marshal(s Session) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       sessionUsername,
			SessionID:      uint64(s.ID),
			SessionVersion: uint64(s.ID) + 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: s.BindIP,
		},
		SessionName: sessionName,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: s.BindIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	ports := make([]int, 0, len(s.Media))
	for port := range s.Media {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		payloads := s.Media[port]
		formats := make([]string, 0, len(payloads))
		attrs := make([]sdp.Attribute, 0, len(payloads)+3)
		for _, pt := range payloads {
			formats = append(formats, strconv.Itoa(pt.Number))
			attrs = append(attrs, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", pt.Number, pt.RTPMap()),
			})
			if pt.Name == "telephone-event" {
				attrs = append(attrs, sdp.Attribute{
					Key:   "fmtp",
					Value: fmt.Sprintf("%d 0-15", pt.Number),
				})
			}
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		})
	}

	if n := len(desc.MediaDescriptions); n > 0 {
		last := desc.MediaDescriptions[n-1]
		last.Attributes = append(last.Attributes,
			sdp.Attribute{Key: "ptime", Value: "20"},
			sdp.Attribute{Key: "maxptime", Value: "150"},
			sdp.Attribute{Key: string(s.Mode)},
		)
	}

	return desc.Marshal()
}

// Unmarshal reads a peer session description, used by the call layer to
// learn the remote RTP endpoint.
func Unmarshal(body []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return desc, nil
}
