package tools

import (
	"context"
	"fmt"

	"github.com/convene-ai/convene/internal/types"
)

// SendMessage implements the send_message tool. The tool only resolves the
// target; the framework performs the delivery and marks the recipient for
// activation by reading the result's actions.
type SendMessage struct{}

func NewSendMessage() *SendMessage { return &SendMessage{} }

func (s *SendMessage) Name() string { return "send_message" }

func (s *SendMessage) Description() string {
	return "Send a message to another agent by agent id (or unique persona). The recipient is activated to process it."
}

func (s *SendMessage) Params() []Param {
	return []Param{
		{Name: "target_agent_id", Description: "the recipient's agent id (persona accepted when unique)", Required: true},
		{Name: "message_content", Description: "the message text", Required: true},
	}
}

func (s *SendMessage) Execute(ctx context.Context, call types.ToolCall, env Env) Result {
	target := call.Arguments["target_agent_id"]
	content := call.Arguments["message_content"]
	if target == "" {
		return Errorf("send_message requires target_agent_id")
	}
	if content == "" {
		return Errorf("send_message requires message_content")
	}

	id, err := env.Dir.ResolveAgent(target)
	if err != nil {
		// Resolution errors land in the sender's history.
		return Errorf("send_message to %q failed: %v", target, err)
	}

	return Result{
		Message: fmt.Sprintf("Message sent to @%s.", id),
		Actions: []Action{{
			Kind:        ActionDeliverMessage,
			TargetAgent: id,
			Sender:      env.AgentID,
			Content:     content,
		}},
	}
}

var _ Tool = (*SendMessage)(nil)
