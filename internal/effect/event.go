package effect

// Event is an input to Step.
type Event interface {
	EventName() string
}

// UserAction is a local edit.
type UserAction[A any] struct {
	Action A
}

// DispatchAccepted reports that the in-flight action was applied.
type DispatchAccepted[M any] struct {
	Version int
	Model   M
}

// DispatchConflict reports that the in-flight action lost a version race.
// Version and Model are a fresh snapshot fetched by the caller.
type DispatchConflict[M any] struct {
	Version int
	Model   M
}

// DispatchRejected reports that the server refused the in-flight action.
// Version and Model are a fresh snapshot fetched by the caller.
type DispatchRejected[M any] struct {
	Version int
	Model   M
	Reason  string
}

// NetworkError reports a failed round trip.
type NetworkError struct {
	Err error
}

// RealtimeUpdate is a snapshot pushed by the server.
type RealtimeUpdate[M any] struct {
	Version int
	Model   M
}

type (
	// NetworkRestored reports that connectivity came back.
	NetworkRestored struct{}
	// ManualGoOffline is a user request to stop talking to the server.
	ManualGoOffline struct{}
	// ManualGoOnline is a user request to resume.
	ManualGoOnline struct{}
	// Tick is a periodic nudge to start sending if anything is queued.
	Tick struct{}
	// Flush asks to drain the queue now, going online if needed.
	Flush struct{}
)

func (UserAction[A]) EventName() string       { return "user_action" }
func (DispatchAccepted[M]) EventName() string { return "dispatch_accepted" }
func (DispatchConflict[M]) EventName() string { return "dispatch_conflict" }
func (DispatchRejected[M]) EventName() string { return "dispatch_rejected" }
func (NetworkError) EventName() string        { return "network_error" }
func (RealtimeUpdate[M]) EventName() string   { return "realtime_update" }
func (NetworkRestored) EventName() string     { return "network_restored" }
func (ManualGoOffline) EventName() string     { return "manual_go_offline" }
func (ManualGoOnline) EventName() string      { return "manual_go_online" }
func (Tick) EventName() string                { return "tick" }
func (Flush) EventName() string               { return "flush" }

// Command is an effect Step asks the shell to perform.
type Command interface {
	isCommand()
}

// NoOp asks for nothing.
type NoOp struct{}

// SendDispatch asks for Action to be sent against BaseVersion.
type SendDispatch[A any] struct {
	BaseVersion int
	Action      A
}

func (NoOp) isCommand()            {}
func (SendDispatch[A]) isCommand() {}
