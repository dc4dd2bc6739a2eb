package app

// StopReason is logged by Stop so an operator can tell a signal from a
// fatal task error.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopOneShot    StopReason = "one_shot"
)
