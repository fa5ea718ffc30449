// Package events defines the domain event vocabulary and the write path
// that keeps the audit trail and the live bus in lockstep: every published
// event is persisted first, then broadcast, in that order.
package events

// Trigger and command events fed to the FSM.
const (
	TypeCmdExecute   = "CMD_EXECUTE"
	TypeStepDone     = "STEP_DONE"
	TypeUserConfirm  = "USER_CONFIRM"
	TypeUserSkip     = "USER_SKIP"
	TypeUserModify   = "USER_MODIFY"
	TypeUserRollback = "USER_ROLLBACK"
	TypeAbort        = "ABORT"
	TypeReset        = "RESET"
	TypeError        = "ERROR"
)

// Dispatcher outcome events (audit trail).
const (
	TypeEventResult       = "EVENT_RESULT"
	TypeEventError        = "EVENT_ERROR"
	TypeEventAborted      = "EVENT_ABORTED"
	TypeEventPendingFanIn = "EVENT_PENDING_FANIN"
	TypeStateTransition   = "STATE_TRANSITION"
	TypeNeedUserInput     = "NEED_USER_INPUT"
)

// Session lifecycle events.
const (
	TypeSessionStart    = "SESSION_START"
	TypeSessionPause    = "SESSION_PAUSE"
	TypeSessionResume   = "SESSION_RESUME"
	TypeSessionComplete = "SESSION_COMPLETE"
)

// File pipeline events: FILE_UPLOADED announces an attachment, FILE_READY
// carries the parsed text back from the capture side.
const (
	TypeFileUploaded = "FILE_UPLOADED"
	TypeFileReady    = "FILE_READY"
)

// TypePing is the keepalive event; never persisted.
const TypePing = "PING"

// SourceDispatcher marks events originated by the kernel itself rather
// than a node.
const SourceDispatcher = "dispatcher"

// SourceSessionManager marks session lifecycle events.
const SourceSessionManager = "session_manager"
