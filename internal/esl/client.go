package esl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/config"
)

// EventFilter is the subscription issued after every (re)connect. Only
// these event classes drive dialer transitions.
const EventFilter = "event plain CHANNEL_ANSWER CHANNEL_HANGUP_COMPLETE CHANNEL_PARK CHANNEL_EXECUTE"

// Client is an inbound event-socket client. A single read goroutine parses
// frames; command replies are routed back to the issuing caller and events
// are broadcast to subscribers.
type Client struct {
	config config.FreeSwitchConfig
	logger zerolog.Logger

	mu          sync.Mutex
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	connected   bool
	subscribers []chan *Event
	replies     chan frame
	done        chan struct{}

	cmdMu sync.Mutex // serializes command/reply pairs on the socket
}

// frame is one wire unit: content-type headers plus an optional body.
type frame struct {
	headers map[string]string
	body    string
}

func NewClient(cfg config.FreeSwitchConfig, logger zerolog.Logger) *Client {
	return &Client{
		config:  cfg,
		logger:  logger,
		replies: make(chan frame, 8),
		done:    make(chan struct{}),
	}
}

// Connect dials the switch, authenticates and subscribes to the event
// filter, then starts the frame reader.
func (c *Client) Connect() error {
	addr := c.config.Address()
	c.logger.Info().Str("addr", addr).Msg("connecting to event socket")

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dialing event socket: %w", err)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	// Server greets with auth/request before anything else.
	greeting, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading greeting: %w", err)
	}
	if greeting.headers["Content-Type"] != "auth/request" {
		conn.Close()
		return fmt.Errorf("unexpected greeting %q", greeting.headers["Content-Type"])
	}

	if err := writeCommand(writer, "auth "+c.config.Password); err != nil {
		conn.Close()
		return fmt.Errorf("sending auth: %w", err)
	}
	reply, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading auth reply: %w", err)
	}
	if !isOK(reply.headers["Reply-Text"]) {
		conn.Close()
		return fmt.Errorf("auth rejected: %s", reply.headers["Reply-Text"])
	}

	if err := writeCommand(writer, EventFilter); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to events: %w", err)
	}
	reply, err = readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading subscribe reply: %w", err)
	}
	if !isOK(reply.headers["Reply-Text"]) {
		conn.Close()
		return fmt.Errorf("subscribe rejected: %s", reply.headers["Reply-Text"])
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.writer = writer
	c.connected = true
	c.mu.Unlock()

	c.logger.Info().Msg("event socket connected")
	go c.readFrames()
	return nil
}

// Subscribe returns a channel receiving all switch events. The buffer
// absorbs bursts; a full subscriber drops events rather than stalling the
// reader.
func (c *Client) Subscribe() <-chan *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *Event, 2000)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

func (c *Client) readFrames() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		reader := c.reader
		c.mu.Unlock()

		f, err := readFrame(reader)
		if err != nil {
			c.logger.Error().Err(err).Msg("event socket read failed")
			c.reconnect()
			return // Connect() started a fresh reader
		}

		switch f.headers["Content-Type"] {
		case "text/event-plain":
			event, err := parseEventBody(f.body)
			if err != nil {
				c.logger.Warn().Err(err).Msg("dropping undecodable event frame")
				continue
			}
			c.broadcast(event)
		case "command/reply", "api/response":
			select {
			case c.replies <- f:
			default:
				c.logger.Warn().Msg("dropping unconsumed command reply")
			}
		case "text/disconnect-notice":
			c.logger.Warn().Msg("switch sent disconnect notice")
		}
	}
}

func (c *Client) broadcast(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop for that subscriber.
		}
	}
}

// reconnect loops with a fixed backoff until the switch is back. In-flight
// call state is reconciled by the orphan reaper, not by replay.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		interval := c.config.ReconnectInterval()
		c.logger.Info().Dur("backoff", interval).Msg("reconnecting to event socket")
		time.Sleep(interval)

		if err := c.Connect(); err != nil {
			c.logger.Error().Err(err).Msg("event socket reconnect failed")
			continue
		}
		return
	}
}

// send writes a command and waits for its reply frame.
func (c *Client) send(command string) (frame, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("esl: not connected")
	}
	writer := c.writer
	c.mu.Unlock()

	// A reply that arrived after a previous send timed out would otherwise
	// be taken as the answer to this command.
drain:
	for {
		select {
		case <-c.replies:
		default:
			break drain
		}
	}

	if err := writeCommand(writer, command); err != nil {
		return frame{}, fmt.Errorf("writing command: %w", err)
	}

	select {
	case f := <-c.replies:
		return f, nil
	case <-time.After(10 * time.Second):
		return frame{}, fmt.Errorf("esl: timed out waiting for reply to %q", firstWord(command))
	case <-c.done:
		return frame{}, fmt.Errorf("esl: client closed")
	}
}

// Close shuts the client down.
func (c *Client) Close() error {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func readFrame(reader *bufio.Reader) (frame, error) {
	headers, err := parseHeaderBlock(reader)
	if err != nil {
		return frame{}, err
	}
	f := frame{headers: headers}
	if lengthStr := headers["Content-Length"]; lengthStr != "" {
		length, err := strconv.Atoi(lengthStr)
		if err != nil {
			return frame{}, fmt.Errorf("bad Content-Length %q", lengthStr)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return frame{}, err
		}
		f.body = string(body)
	}
	return f, nil
}

func writeCommand(writer *bufio.Writer, command string) error {
	if _, err := writer.WriteString(command + "\n\n"); err != nil {
		return err
	}
	return writer.Flush()
}

func isOK(replyText string) bool {
	return len(replyText) >= 3 && replyText[:3] == "+OK"
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}
