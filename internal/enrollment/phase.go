package enrollment

import "fmt"

// Phase is the qualification stage of a smart-pipeline enrollment. The zero
// value means the connection request has not been accepted yet.
type Phase string

// Phases.
const (
	PhaseAwaitingConnection Phase = ""
	PhaseApertura           Phase = "apertura"
	PhaseCalificacion       Phase = "calificacion"
	PhaseValor              Phase = "valor"
	PhaseNurture            Phase = "nurture"
	PhaseReactivacion       Phase = "reactivacion"
	PhaseMeeting            Phase = "meeting"
	PhaseParked             Phase = "parked"
	PhaseExited             Phase = "exited"
)

var knownPhases = map[Phase]bool{
	PhaseAwaitingConnection: true,
	PhaseApertura:           true,
	PhaseCalificacion:       true,
	PhaseValor:              true,
	PhaseNurture:            true,
	PhaseReactivacion:       true,
	PhaseMeeting:            true,
	PhaseParked:             true,
	PhaseExited:             true,
}

// ParsePhase validates a stored or classifier-supplied phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !knownPhases[p] {
		return "", fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, s)
	}
	return p, nil
}

// Conversational reports whether replies in this phase are analyzed and
// answered.
func (p Phase) Conversational() bool {
	switch p {
	case PhaseApertura, PhaseCalificacion, PhaseValor, PhaseNurture, PhaseReactivacion:
		return true
	}
	return false
}

func (p Phase) String() string {
	if p == PhaseAwaitingConnection {
		return "awaiting_connection"
	}
	return string(p)
}

// advanceOrder is the forward path used when a phase must move on without
// an explicit target.
var advanceOrder = map[Phase]Phase{
	PhaseApertura:     PhaseCalificacion,
	PhaseCalificacion: PhaseValor,
	PhaseValor:        PhaseNurture,
	PhaseNurture:      PhaseValor,
	PhaseReactivacion: PhaseValor,
}

// NextInOrder returns the default forward phase from p.
func NextInOrder(p Phase) Phase {
	return advanceOrder[p]
}

// advanceTargets lists where an explicit advance may land from each phase.
var advanceTargets = map[Phase][]Phase{
	PhaseApertura:     {PhaseCalificacion},
	PhaseCalificacion: {PhaseValor, PhaseNurture},
	PhaseValor:        {PhaseNurture},
	PhaseNurture:      {PhaseValor},
	PhaseReactivacion: {PhaseValor},
}

func advanceTarget(from, requested Phase) Phase {
	for _, p := range advanceTargets[from] {
		if p == requested {
			return p
		}
	}
	return NextInOrder(from)
}

// Outcome is the classifier's verdict on a reply.
type Outcome string

// Outcomes.
const (
	OutcomeAdvance Outcome = "advance"
	OutcomeStay    Outcome = "stay"
	OutcomeNurture Outcome = "nurture"
	OutcomePark    Outcome = "park"
	OutcomeMeeting Outcome = "meeting"
	OutcomeExit    Outcome = "exit"
)

// ParseOutcome validates an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeAdvance, OutcomeStay, OutcomeNurture, OutcomePark, OutcomeMeeting, OutcomeExit:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, s)
}

// Decision is a classified reply.
type Decision struct {
	Outcome        Outcome  `json:"outcome"`
	NextPhase      Phase    `json:"next_phase,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Sentiment      string   `json:"sentiment,omitempty"`
	SignalStrength string   `json:"signal_strength,omitempty"`
	BuyingSignals  []string `json:"buying_signals,omitempty"`
	SuggestedAngle string   `json:"suggested_angle,omitempty"`
}
