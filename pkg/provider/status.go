package provider

// ServerStatus is the fixed enumeration every provider status code is
// mapped to before it leaves the broker.
type ServerStatus int

const (
	StatusNoState         ServerStatus = 0  // no state
	StatusRunning         ServerStatus = 1  // the domain is running
	StatusBlocked         ServerStatus = 2  // the domain is blocked on resource
	StatusPaused          ServerStatus = 3  // the domain is paused by user
	StatusShutDown        ServerStatus = 4  // the domain is being shut down
	StatusShutOff         ServerStatus = 5  // the domain is shut off
	StatusCrashed         ServerStatus = 6  // the domain is crashed
	StatusSuspended       ServerStatus = 7  // the domain is suspended by guest power management
	StatusHostUnreachable ServerStatus = 9  // host connect failed
	StatusMissing         ServerStatus = 10 // domain missing
	StatusBuilding        ServerStatus = 11 // the domain is being built
	StatusBuildFailed     ServerStatus = 12 // failed to build the domain
)

var statusTexts = map[ServerStatus]string{
	StatusNoState:         "no state",
	StatusRunning:         "running",
	StatusBlocked:         "blocked",
	StatusPaused:          "paused",
	StatusShutDown:        "shutting down",
	StatusShutOff:         "shut off",
	StatusCrashed:         "crashed",
	StatusSuspended:       "suspended",
	StatusHostUnreachable: "host unreachable",
	StatusMissing:         "missing",
	StatusBuilding:        "building",
	StatusBuildFailed:     "build failed",
}

func (s ServerStatus) Text() string {
	if t, ok := statusTexts[s]; ok {
		return t
	}
	return "unknown"
}

// NormalValues are the states a successfully built instance can report.
func NormalValues() []ServerStatus {
	return []ServerStatus{
		StatusRunning, StatusBlocked, StatusPaused,
		StatusShutDown, StatusShutOff, StatusSuspended,
	}
}

func (s ServerStatus) IsNormal() bool {
	switch s {
	case StatusRunning, StatusBlocked, StatusPaused, StatusShutDown, StatusShutOff, StatusSuspended:
		return true
	}
	return false
}
