package slack

import (
	"encoding/json"
	"strings"

	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

// InteractionPayload is the subset of Slack's block_actions / view_submission
// payload the proxy needs.
type InteractionPayload struct {
	Type       string `json:"type"`
	CallbackID string `json:"callback_id"`
	Team       struct {
		ID string `json:"id"`
	} `json:"team"`
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	View *struct {
		CallbackID      string `json:"callback_id"`
		PrivateMetadata string `json:"private_metadata"`
	} `json:"view"`
}

func parseInteractionPayload(raw string) (*InteractionPayload, error) {
	if raw == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "payload is required", nil)
	}
	var p InteractionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid interaction payload", err)
	}
	if p.Team.ID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "payload has no team id", nil)
	}
	return &p, nil
}

func (p *InteractionPayload) ActionID() string {
	if len(p.Actions) == 0 {
		return ""
	}
	return p.Actions[0].ActionID
}

// CallbackIDOrView prefers the top-level callback id and falls back to the
// modal view's.
func (p *InteractionPayload) CallbackIDOrView() string {
	if p.CallbackID != "" || p.View == nil {
		return p.CallbackID
	}
	return p.View.CallbackID
}

// Command is a parsed slash command invocation, e.g. "/growi search foo".
type Command struct {
	TeamID      string
	ChannelName string
	Name        string
	Args        []string
}

func parseCommandText(teamID, channelName, text string) *Command {
	fields := strings.Fields(text)
	c := &Command{TeamID: teamID, ChannelName: channelName}
	if len(fields) > 0 {
		c.Name = fields[0]
		c.Args = fields[1:]
	}
	return c
}

// Message is an ephemeral or in-channel Slack response body.
type Message struct {
	ResponseType string `json:"response_type,omitempty"`
	Text         string `json:"text"`
}

func ephemeral(text string) *Message {
	return &Message{ResponseType: "ephemeral", Text: text}
}
