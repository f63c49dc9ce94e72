// Package aprs is a minimal APRS-IS client for text messages and position reports.
package aprs

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotMessage = errors.New("not an APRS message packet")

	callsignRegex = regexp.MustCompile(`^[A-Z0-9]{1,3}[0-9][A-Z]{1,4}(-[0-9]{1,2})?$`)
)

// Message is a decoded APRS text message.
type Message struct {
	Source      string
	Destination string
	Path        []string
	Addressee   string
	Text        string
	// ID is the message number the sender expects to be acknowledged, if any.
	ID string
}

// IsAck reports whether the message acknowledges an earlier one.
func (m *Message) IsAck() bool {
	return strings.HasPrefix(m.Text, "ack") || strings.HasPrefix(m.Text, "rej")
}

// ParseMessage decodes a TNC2 formatted line such as
// "N0CALL>APRS,TCPIP*::MESHGW   :hello{12".
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	header, body, ok := strings.Cut(line, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing information field", ErrNotMessage)
	}
	source, rest, ok := strings.Cut(header, ">")
	if !ok || source == "" {
		return nil, fmt.Errorf("%w: missing source", ErrNotMessage)
	}
	route := strings.Split(rest, ",")

	// Message bodies are ":ADDRESSEE:text" with the addressee padded to nine characters.
	if len(body) < 11 || body[0] != ':' || body[10] != ':' {
		return nil, ErrNotMessage
	}
	msg := &Message{
		Source:      strings.ToUpper(source),
		Destination: route[0],
		Path:        route[1:],
		Addressee:   strings.ToUpper(strings.TrimSpace(body[1:10])),
		Text:        body[11:],
	}
	if text, id, found := strings.Cut(msg.Text, "{"); found {
		msg.Text = text
		// Reply-ack format appends "}ack" after the message number.
		id, _, _ = strings.Cut(id, "}")
		msg.ID = strings.TrimSpace(id)
	}
	return msg, nil
}

// FormatMessage renders a message from source to addressee.
func FormatMessage(source, toCall, path, addressee, text string) string {
	if path != "" {
		toCall += "," + path
	}
	return fmt.Sprintf("%s>%s::%-9s:%s", source, toCall, addressee, text)
}

// IsCallsign reports whether name looks like an amateur radio callsign with an optional SSID.
func IsCallsign(name string) bool {
	return callsignRegex.MatchString(strings.ToUpper(name))
}

// FormatPosition renders a timestamped position report sent on behalf of a station.
func FormatPosition(station, toCall string, at time.Time, lat, lon float64, altitudeMeters float64, comment string) string {
	latHemi, lonHemi := "N", "E"
	if lat < 0 {
		latHemi = "S"
	}
	if lon < 0 {
		lonHemi = "W"
	}
	latDeg, latMin := degMin(lat)
	lonDeg, lonMin := degMin(lon)
	feet := int(math.Round(altitudeMeters * 3.28084))

	return fmt.Sprintf("%s>%s,TCPIP*:@%sz%02d%05.2f%s/%03d%05.2f%s-/A=%06d %s",
		strings.ToUpper(station), toCall, at.UTC().Format("021504"),
		latDeg, latMin, latHemi, lonDeg, lonMin, lonHemi, feet, comment)
}

func degMin(v float64) (int, float64) {
	v = math.Abs(v)
	deg := math.Floor(v)
	return int(deg), (v - deg) * 60
}
