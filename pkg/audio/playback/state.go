package playback

import "fmt"

// State is the scheduler's position in its playback state machine.
//
//	idle --Start--> loading --Push--> playing
//	playing --buffer ended, queue non-empty--> playing
//	playing --buffer ended, queue empty--> draining
//	draining --Push--> playing
//	draining --grace period elapsed or Finish--> idle
//	any --Cancel--> idle
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is how a playback run ended.
type Outcome int

const (
	// OutcomeDrained means every pushed buffer played and the run went idle
	// after Finish or the drain grace period.
	OutcomeDrained Outcome = iota

	// OutcomeCancelled means the run was interrupted by Cancel.
	OutcomeCancelled

	// OutcomeFailed means the output device rejected a buffer.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDrained:
		return "drained"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
