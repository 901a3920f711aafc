package scheduler

import "github.com/agentium/controller/internal/task"

// Outbound message types sent to an agent (spec.md section 6.3, controller
// -> agent direction). These are the values passed to
// registry.OutboundSender.Send; the transport layer marshals them to JSON.

type commandExecute struct {
	Type            string            `json:"type"`
	TaskID          string            `json:"task_id"`
	CommandIndex    int               `json:"command_index"`
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ContinueOnError bool              `json:"continue_on_error"`
	Env             map[string]string `json:"env,omitempty"`
}

type commandCancel struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	CommandIndex int    `json:"command_index"`
}

// Ping is the {type:"ping"} message shape. Nothing sends it: the agent-link
// keepalive is a WebSocket ping control frame from the transport's write pump.
type Ping struct {
	Type string `json:"type"`
}

func newCommandExecute(taskID string, index int, cmd task.Command) commandExecute {
	return commandExecute{
		Type:            "command_execute",
		TaskID:          taskID,
		CommandIndex:    index,
		Dir:             cmd.Dir,
		Run:             cmd.Run,
		TimeoutSeconds:  cmd.TimeoutSeconds,
		ContinueOnError: cmd.ContinueOnError,
		Env:             cmd.Env,
	}
}
