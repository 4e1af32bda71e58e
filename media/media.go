// Package media holds the payload type and transmit mode descriptors the
// signaling core consumes when rendering SDP. Actual RTP transport lives
// outside this module.
package media

import "fmt"

// PayloadType describes one RTP/AVP payload as advertised in SDP.
type PayloadType struct {
	Number   int
	Name     string
	Rate     int
	Channels int
}

// String returns the codec name as it appears in a=rtpmap lines.
func (pt PayloadType) String() string { return pt.Name }

// RTPMap renders the "name/rate" part of an a=rtpmap line.
func (pt PayloadType) RTPMap() string {
	if pt.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", pt.Name, pt.Rate, pt.Channels)
	}
	return fmt.Sprintf("%s/%d", pt.Name, pt.Rate)
}

// Well known static payload types plus the RFC 4733 event payload.
var (
	PCMU           = PayloadType{Number: 0, Name: "PCMU", Rate: 8000, Channels: 1}
	PCMA           = PayloadType{Number: 8, Name: "PCMA", Rate: 8000, Channels: 1}
	TelephoneEvent = PayloadType{Number: 101, Name: "telephone-event", Rate: 8000, Channels: 1}
)

// TransmitMode is the SDP direction attribute of an audio session.
type TransmitMode string

const (
	SendRecv TransmitMode = "sendrecv"
	SendOnly TransmitMode = "sendonly"
	RecvOnly TransmitMode = "recvonly"
	Inactive TransmitMode = "inactive"
)

func (m TransmitMode) String() string { return string(m) }

// Map describes the media offer: RTP port to the payload types carried there.
// Iteration order of ports is sorted by the SDP builder.
type Map map[int][]PayloadType
