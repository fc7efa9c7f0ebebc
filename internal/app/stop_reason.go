package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopShutdown   StopReason = "shutdown_command"
	StopFatalError StopReason = "fatal_error"
)
