/*
Package protocol defines the wire formats spoken by the session bridge.

Every frame in either direction is a single JSON object terminated by a
newline (NDJSON). Each object carries a "type" discriminator. The package
models three closed message families, one per direction:

# Agent to bridge

Frames produced by the agent process (a coding agent connected with
--sdk-url). DecodeAgent parses one line into an AgentMessage:

  - system/init: model, cwd, tools, permission mode, version, capabilities
  - system/status: compaction flag and permission mode changes
  - system/compact_boundary, system/task_notification, system/hook_*:
    informational system events
  - assistant: a complete assistant turn
  - result: end of a turn with cost, usage, and line counters
  - stream_event: partial streaming deltas
  - tool_progress, tool_use_summary: tool narration
  - control_request: the agent asks for authorization (can_use_tool)
  - control_response: the agent answers a bridge-issued control request
  - keep_alive: heartbeat, ignored

# Bridge to agent

Frames the bridge writes to the agent are built with NewUserFrame,
NewControlRequest, AllowResponse, DenyResponse and ErrorResponse, and
serialized with EncodeFrame.

# Bridge to observer

ObserverMessage is the closed family of events sent to browser observers.
Replayable events are wrapped in Sequenced before they hit the wire, which
adds an integer "seq" field without touching the wrapped value:

	{"type":"assistant","seq":7,"message":{...},"parent_tool_use_id":null}

ShouldBufferForReplay and IsHistoryBacked classify which events receive a
sequence number and which are durable conversation history.

# Observer to bridge

DecodeCommand parses observer commands: user_message, permission_response,
interrupt, set_model, set_permission_mode, session_subscribe and
session_ack. Commands implementing Idempotent carry an optional
client_msg_id used to drop duplicate resubmissions.
*/
package protocol
