package interactions

import (
	"encoding/json"
	"fmt"
)

// InteractionType mirrors Discord's interaction type values.
type InteractionType int

const (
	InteractionPing               InteractionType = 1
	InteractionApplicationCommand InteractionType = 2
	InteractionMessageComponent   InteractionType = 3
	InteractionModalSubmit        InteractionType = 5
)

// Interaction is one decoded webhook delivery. Constructed once per HTTP
// request, consumed by exactly one handler invocation, never persisted.
type Interaction struct {
	ID      string          `json:"id"`
	Type    InteractionType `json:"type"`
	GuildID string          `json:"guild_id"`
	Token   string          `json:"token"`
	Data    InteractionData `json:"data"`
	Member  *Member         `json:"member"`
	User    *User           `json:"user"`
}

type InteractionData struct {
	Name     string          `json:"name"`
	CustomID string          `json:"custom_id"`
	Options  []CommandOption `json:"options"`
}

type CommandOption struct {
	Name  string          `json:"name"`
	Type  int             `json:"type"`
	Value json.RawMessage `json:"value"`
}

type Member struct {
	User *User `json:"user"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// InvokerID returns the invoking user's ID regardless of whether the
// interaction came from a guild (member) or a DM (user).
func (ic *Interaction) InvokerID() string {
	if ic.Member != nil && ic.Member.User != nil {
		return ic.Member.User.ID
	}
	if ic.User != nil {
		return ic.User.ID
	}
	return ""
}

// DecodeInteraction parses a verified webhook body.
func DecodeInteraction(body []byte) (*Interaction, error) {
	var ic Interaction
	if err := json.Unmarshal(body, &ic); err != nil {
		return nil, fmt.Errorf("decode interaction: %w", err)
	}
	if ic.Type == 0 {
		return nil, fmt.Errorf("interaction missing type")
	}
	return &ic, nil
}

// ResponseType mirrors Discord's interaction callback type values.
type ResponseType int

const (
	ResponsePong                   ResponseType = 1
	ResponseChannelMessage         ResponseType = 4
	ResponseDeferredChannelMessage ResponseType = 5
	ResponseDeferredUpdateMessage  ResponseType = 6
)

const FlagEphemeral = 1 << 6

// Response is the interaction-response envelope returned over the webhook.
type Response struct {
	Type ResponseType  `json:"type"`
	Data *ResponseData `json:"data,omitempty"`
}

type ResponseData struct {
	Content string `json:"content,omitempty"`
	Flags   int    `json:"flags,omitempty"`
}

func Pong() *Response {
	return &Response{Type: ResponsePong}
}

func Message(content string) *Response {
	return &Response{Type: ResponseChannelMessage, Data: &ResponseData{Content: content}}
}

// Ephemeral is a message only the invoker sees; used for error responses.
func Ephemeral(content string) *Response {
	return &Response{Type: ResponseChannelMessage, Data: &ResponseData{Content: content, Flags: FlagEphemeral}}
}

// Deferred acknowledges now and lets the handler deliver the real result
// via a follow-up call.
func Deferred() *Response {
	return &Response{Type: ResponseDeferredChannelMessage}
}

// DeferredUpdate is the no-op acknowledgement for stale components.
func DeferredUpdate() *Response {
	return &Response{Type: ResponseDeferredUpdateMessage}
}
