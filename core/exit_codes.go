package core

// Exit codes for the application.
// Signal-based exits follow the Unix 128 + signal number convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeConfig indicates the configuration failed validation.
	ExitCodeConfig = 2

	// ExitCodeForced indicates a repeated signal cut graceful shutdown short.
	ExitCodeForced = 3

	ExitCodeSIGINT  = 130 // 128 + 2
	ExitCodeSIGTERM = 143 // 128 + 15
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "invalid configuration"
	case ExitCodeForced:
		return "forced shutdown"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}
