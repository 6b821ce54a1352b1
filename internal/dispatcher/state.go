package dispatcher

// State is a step of one logical request.
type State int

const (
	StateStart State = iota
	StateAccountSelected
	StateSessionReady
	StateInFlight
	StateSuccess
	StateRetryableError
	StateSwitchAccount
	StateFatal
)

var stateNames = [...]string{
	StateStart:           "start",
	StateAccountSelected: "account_selected",
	StateSessionReady:    "session_ready",
	StateInFlight:        "in_flight",
	StateSuccess:         "success",
	StateRetryableError:  "retryable_error",
	StateSwitchAccount:   "switch_account",
	StateFatal:           "fatal",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFatal
}
