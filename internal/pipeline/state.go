package pipeline

// State is a step of the run state machine:
// IDLE → LISTING → DOWNLOADING → DECODING → WRITING → FINALIZING → IDLE.
type State string

const (
	StateIdle        State = "idle"
	StateListing     State = "listing"
	StateDownloading State = "downloading"
	StateDecoding    State = "decoding"
	StateWriting     State = "writing"
	StateFinalizing  State = "finalizing"
)

// States lists every state in transition order.
var States = []State{StateIdle, StateListing, StateDownloading, StateDecoding, StateWriting, StateFinalizing}
