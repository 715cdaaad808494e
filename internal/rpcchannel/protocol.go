package rpcchannel

import "encoding/json"

// Command is a message sent from the orchestrator to a worker over the
// inbound FIFO.
type Command struct {
	Id       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Provider string `json:"provider,omitempty"`
	ModelId  string `json:"modelId,omitempty"`
}

const (
	CommandGetState = "get_state"
	CommandPrompt   = "prompt"
	CommandSteer    = "steer"
	CommandFollowUp = "follow_up"
	CommandSetModel = "set_model"
)

func GetStateCommand(id string) Command {
	return Command{Id: id, Type: CommandGetState}
}

func PromptCommand(message string) Command {
	return Command{Type: CommandPrompt, Message: message}
}

func SteerCommand(message string) Command {
	return Command{Type: CommandSteer, Message: message}
}

func FollowUpCommand(message string) Command {
	return Command{Type: CommandFollowUp, Message: message}
}

func SetModelCommand(provider, modelId string) Command {
	return Command{Type: CommandSetModel, Provider: provider, ModelId: modelId}
}

// AssistantMessageEvent is the payload of a message_update event.
type AssistantMessageEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// Event is a message received from a worker over the outbound file.
// Unrecognized fields are preserved in Raw for forwarding into the
// events ring.
type Event struct {
	Type                  string                 `json:"type"`
	Command               string                 `json:"command,omitempty"`
	AssistantMessageEvent *AssistantMessageEvent `json:"assistantMessageEvent,omitempty"`
	Raw                   map[string]any         `json:"-"`
}

const (
	EventResponse      = "response"
	EventAgentStart    = "agent_start"
	EventAgentEnd      = "agent_end"
	EventMessageUpdate = "message_update"
)

// UnmarshalJSON decodes the known fields and also retains the full
// object in Raw, so event families this version doesn't recognize can
// still be serialized verbatim into a worker's events ring.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Raw = raw
	return nil
}
