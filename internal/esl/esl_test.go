package esl

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"voicedialer/internal/config"
)

func TestBuildOriginateCommandParked(t *testing.T) {
	cmd := BuildOriginateCommand(OriginateRequest{
		CallID:           "uuid-1",
		PhoneNumber:      "923001234567",
		AgentID:          "7",
		Park:             true,
		OriginateTimeout: 30,
		Prod:             true,
		Vars:             map[string]string{"lead_id": "42"},
	})

	require.True(t, strings.HasPrefix(cmd, "originate {"))
	require.Contains(t, cmd, "sip_h_X-call_id='uuid-1'")
	require.Contains(t, cmd, "sip_h_X-origination_uuid='uuid-1'")
	require.Contains(t, cmd, "sip_h_X-agent_id='7'")
	require.Contains(t, cmd, "sip_h_X-lead_id='42'")
	require.Contains(t, cmd, "sip_h_X-originate_timeout='30'")
	require.NotContains(t, cmd, "auto_bridge")
	require.True(t, strings.HasSuffix(cmd, "}sofia/external/923001234567 &park"))
}

func TestBuildOriginateCommandAutoBridge(t *testing.T) {
	cmd := BuildOriginateCommand(OriginateRequest{
		CallID:         "uuid-2",
		PhoneNumber:    "1002",
		AgentID:        "7",
		AgentExtension: "1001",
		AutoBridge:     true,
	})

	require.Contains(t, cmd, "sip_h_X-auto_bridge='true'")
	require.NotContains(t, cmd, "originate_timeout")
	require.True(t, strings.HasSuffix(cmd, "}user/1002 &bridge(user/1001)"),
		"development dialing targets the extension directly: %s", cmd)
}

func TestBuildOriginateCommandSortsVars(t *testing.T) {
	cmd := BuildOriginateCommand(OriginateRequest{
		CallID:      "uuid-3",
		PhoneNumber: "1003",
		Vars:        map[string]string{"zeta": "z", "alpha": "a"},
	})

	alpha := strings.Index(cmd, "sip_h_X-alpha")
	zeta := strings.Index(cmd, "sip_h_X-zeta")
	require.Greater(t, alpha, 0)
	require.Greater(t, zeta, alpha)
}

func TestParseEventBody(t *testing.T) {
	body := strings.Join([]string{
		"Event-Name: CHANNEL_ANSWER",
		"Unique-ID: abc-123",
		"Call-Direction: outbound",
		"variable_sip_h_X-agent_id: 7",
		"variable_sip_h_X-customer_name: John%20Doe",
		"",
	}, "\n")

	ev, err := parseEventBody(body)
	require.NoError(t, err)
	require.Equal(t, "CHANNEL_ANSWER", ev.Name)
	require.Equal(t, "abc-123", ev.UUID())
	require.Equal(t, "outbound", ev.Direction())
	require.Equal(t, "7", ev.SIPHeader("agent_id"))
	require.Equal(t, "John Doe", ev.SIPHeader("customer_name"))
	require.Empty(t, ev.OtherLegUUID())
}

func TestParseEventBodyRejectsNameless(t *testing.T) {
	_, err := parseEventBody("Unique-ID: abc\n")
	require.Error(t, err)
}

func TestUUIDPrefersOriginationUUID(t *testing.T) {
	ev := &Event{Name: "CHANNEL_ANSWER", Headers: map[string]string{
		"Unique-ID":     "channel-uuid",
		"variable_uuid": "origination-uuid",
	}}
	require.Equal(t, "origination-uuid", ev.UUID())
}

func TestSendDiscardsStaleReply(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	c := NewClient(config.FreeSwitchConfig{}, zerolog.Nop())
	c.writer = bufio.NewWriter(clientConn)
	c.connected = true

	// A reply left over from a command that timed out earlier.
	c.replies <- frame{headers: map[string]string{"Reply-Text": "+OK stale"}}

	go func() {
		buf := make([]byte, 256)
		if _, err := serverConn.Read(buf); err != nil {
			return
		}
		c.replies <- frame{headers: map[string]string{"Reply-Text": "+OK fresh"}}
	}()

	f, err := c.send("api status")
	require.NoError(t, err)
	require.Equal(t, "+OK fresh", f.headers["Reply-Text"])
}
