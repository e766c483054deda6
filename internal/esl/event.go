package esl

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"
)

// Event is one switch event: a name plus its raw header bag. Values arrive
// URL-encoded in plain-format frames and are decoded on parse.
type Event struct {
	Name    string
	Headers map[string]string
}

// Get returns a header value or "".
func (e *Event) Get(key string) string {
	return e.Headers[key]
}

// UUID returns the channel uuid for this event. The originate path pins
// variable_uuid to the origination uuid; Unique-ID is the fallback.
func (e *Event) UUID() string {
	if v := e.Get("variable_uuid"); v != "" {
		return v
	}
	return e.Get("Unique-ID")
}

// Direction returns the call direction ("inbound"/"outbound").
func (e *Event) Direction() string {
	return e.Get("Call-Direction")
}

// OtherLegUUID returns the other leg's uuid, "" for single-leg events.
func (e *Event) OtherLegUUID() string {
	return e.Get("Other-Leg-Unique-ID")
}

// SIPHeader returns a custom X- header carried through the originate vars.
func (e *Event) SIPHeader(name string) string {
	return e.Get("variable_sip_h_X-" + name)
}

// parseHeaderBlock reads "Key: Value" lines until a blank line.
func parseHeaderBlock(reader *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return headers, nil
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		headers[line[:idx]] = line[idx+2:]
	}
}

// parseEventBody decodes a text/event-plain payload into an Event.
func parseEventBody(body string) (*Event, error) {
	headers := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+2:]
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[key] = value
	}
	name := headers["Event-Name"]
	if name == "" {
		return nil, fmt.Errorf("esl: event without Event-Name")
	}
	return &Event{Name: name, Headers: headers}, nil
}
