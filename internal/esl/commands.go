package esl

import (
	"fmt"
	"sort"
	"strings"
)

// API runs a synchronous api command and returns the response body.
func (c *Client) API(command string) (string, error) {
	f, err := c.send("api " + command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(f.body), nil
}

// BgAPI fires a background api command. On "+OK" it returns the job uuid.
func (c *Client) BgAPI(command string) (string, error) {
	f, err := c.send("bgapi " + command)
	if err != nil {
		return "", err
	}
	replyText := f.headers["Reply-Text"]
	if !isOK(replyText) {
		return "", fmt.Errorf("bgapi rejected: %s", replyText)
	}
	parts := strings.Fields(replyText)
	return parts[len(parts)-1], nil
}

// Bridge attaches an agent extension to a parked call.
func (c *Client) Bridge(callUUID, extension string) error {
	body, err := c.API(fmt.Sprintf("uuid_bridge %s user/%s", callUUID, extension))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "+OK") {
		return fmt.Errorf("uuid_bridge %s failed: %s", callUUID, body)
	}
	return nil
}

// Transfer redirects a call to an extension in the default XML dialplan.
func (c *Client) Transfer(callUUID, extension string) error {
	_, err := c.BgAPI(fmt.Sprintf("uuid_transfer %s %s XML default", callUUID, extension))
	return err
}

// Kill terminates a call with a specific clearing cause.
func (c *Client) Kill(callUUID, cause string) error {
	body, err := c.API(fmt.Sprintf("uuid_kill %s %s", callUUID, cause))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "+OK") {
		return fmt.Errorf("uuid_kill %s failed: %s", callUUID, body)
	}
	return nil
}

// OriginateRequest describes one outbound origination.
type OriginateRequest struct {
	CallID           string
	PhoneNumber      string
	AgentID          string // "" for acquisition calls assigned on answer
	AgentExtension   string // required when AutoBridge
	AutoBridge       bool   // ring the agent leg simultaneously
	Park             bool   // hold the lead leg until bridged
	OriginateTimeout int    // seconds before an unbridged ring auto-cancels
	Prod             bool   // real trunk vs development extension dialing
	Vars             map[string]string
}

// BuildOriginateCommand renders the single-line originate command. Per-call
// metadata rides as sip_h_X- custom headers so the event side can recover
// it without a store lookup.
func BuildOriginateCommand(req OriginateRequest) string {
	vars := make(map[string]string, len(req.Vars)+4)
	for k, v := range req.Vars {
		vars[k] = v
	}
	vars["call_id"] = req.CallID
	vars["origination_uuid"] = req.CallID
	if req.AgentID != "" {
		vars["agent_id"] = req.AgentID
	}

	application := "&bridge"
	bridgeTo := ""
	if req.Park {
		application = "&park"
		vars["originate_timeout"] = fmt.Sprint(req.OriginateTimeout)
	}
	if req.AutoBridge {
		vars["auto_bridge"] = "true"
		bridgeTo = fmt.Sprintf("(user/%s)", req.AgentExtension)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("sip_h_X-%s='%s'", k, vars[k]))
	}

	dest := "user/" + req.PhoneNumber // development: the number is an extension
	if req.Prod {
		dest = "sofia/external/" + req.PhoneNumber
	}

	return fmt.Sprintf("originate {%s}%s %s%s", strings.Join(pairs, ","), dest, application, bridgeTo)
}

// Originate issues the origination and reports whether the switch accepted
// the job.
func (c *Client) Originate(req OriginateRequest) (bool, error) {
	command := BuildOriginateCommand(req)
	if _, err := c.BgAPI(command); err != nil {
		return false, err
	}
	return true, nil
}
