package fedauth

// State is the state of a Flow.
type State int

const (
	Idle State = iota
	AwaitingUserAction
	AwaitingCallback
	ExchangingCode
	ValidatingIdentity
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:               "idle",
	AwaitingUserAction: "awaiting user action",
	AwaitingCallback:   "awaiting callback",
	ExchangingCode:     "exchanging code",
	ValidatingIdentity: "validating identity",
	Succeeded:          "succeeded",
	Failed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid state"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }
