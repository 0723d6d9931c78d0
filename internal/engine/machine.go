package engine

import (
	"signoff/internal/domain"
)

// Transition is one status change produced while moving an instance.
// StageIndex is nil for instance-level changes that are not tied to a stage.
type Transition struct {
	Scope      string `json:"scope"`
	StageIndex *int   `json:"stage_index,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
}

const (
	scopeInstance = "instance"
	scopeStage    = "stage"
)

type machine struct {
	in          domain.Instance
	at          string
	transitions []Transition
}

func newMachine(in domain.Instance, at string) *machine {
	return &machine{in: in.Clone(), at: at}
}

func (m *machine) setStage(idx int, to domain.StageStatus) {
	st := &m.in.Stages[idx]
	if st.Status == to {
		return
	}
	i := idx
	m.transitions = append(m.transitions, Transition{Scope: scopeStage, StageIndex: &i, From: string(st.Status), To: string(to)})
	st.Status = to
}

func (m *machine) setInstance(to domain.InstanceStatus) {
	if m.in.Status == to {
		return
	}
	i := m.in.CurrentStage
	m.transitions = append(m.transitions, Transition{Scope: scopeInstance, StageIndex: &i, From: string(m.in.Status), To: string(to)})
	m.in.Status = to
	if to != domain.InstancePending {
		at := m.at
		m.in.CompletedAt = &at
	}
}

func (m *machine) skipPending(idx int) {
	for j := range m.in.Stages[idx].Decisions {
		if m.in.Stages[idx].Decisions[j].Decision == domain.DecisionPending {
			m.in.Stages[idx].Decisions[j].Decision = domain.DecisionSkipped
		}
	}
}

// nextDecisionStage returns the first non-reference stage after idx, or -1.
func nextDecisionStage(stages []domain.StageState, idx int) int {
	for i := idx + 1; i < len(stages); i++ {
		if stages[i].Type != domain.StageReference {
			return i
		}
	}
	return -1
}

// startInstance builds the initial stage states from a route snapshot. Every
// stage starts QUEUED; the returned transitions move the first decision stage
// to WAITING and reference stages to SATISFIED.
func startInstance(in domain.Instance, at string) (domain.Instance, []Transition) {
	m := newMachine(in, at)
	m.in.Status = domain.InstancePending
	first := nextDecisionStage(m.in.Stages, -1)
	for i := range m.in.Stages {
		st := &m.in.Stages[i]
		st.Decisions = make([]domain.DecisionRecord, len(st.Slots))
		for j, slot := range st.Slots {
			st.Decisions[j] = domain.DecisionRecord{ApproverID: slot.UserID, Decision: domain.DecisionPending}
		}
		st.Status = domain.StageQueued
		switch {
		case st.Type == domain.StageReference:
			m.setStage(i, domain.StageSatisfied)
			m.skipPending(i)
		case i == first:
			m.setStage(i, domain.StageWaiting)
		}
	}
	m.in.CurrentStage = first
	return m.in, m.transitions
}

// aggregate computes a stage's outcome from its recorded decisions.
func aggregate(st domain.StageState) domain.StageStatus {
	var approved, rejected, requiredTotal, requiredApproved int
	requiredRejected := false
	for j, slot := range st.Slots {
		d := st.Decisions[j].Decision
		if slot.Required {
			requiredTotal++
		}
		switch d {
		case domain.DecisionApproved:
			approved++
			if slot.Required {
				requiredApproved++
			}
		case domain.DecisionRejected:
			rejected++
			if slot.Required {
				requiredRejected = true
			}
		}
	}
	switch st.Mode {
	case domain.ModeAny:
		if approved > 0 {
			return domain.StageSatisfied
		}
		if rejected == len(st.Slots) {
			return domain.StageFailed
		}
	case domain.ModeSequential:
		if rejected > 0 {
			return domain.StageFailed
		}
		if approved == len(st.Slots) {
			return domain.StageSatisfied
		}
	default:
		if requiredRejected {
			return domain.StageFailed
		}
		if requiredTotal > 0 && requiredApproved == requiredTotal {
			return domain.StageSatisfied
		}
	}
	return domain.StageWaiting
}

// settle resolves the current stage and keeps advancing while stages are
// already decided, for example by auto-approval.
func (m *machine) settle() {
	for m.in.Status == domain.InstancePending {
		idx := m.in.CurrentStage
		st := m.in.Stages[idx]
		outcome := aggregate(st)
		if outcome == domain.StageWaiting {
			m.setStage(idx, domain.StageWaiting)
			return
		}
		m.setStage(idx, outcome)
		m.skipPending(idx)
		if outcome == domain.StageFailed && (st.Type == domain.StageApproval || m.in.AgreementPolicy != domain.AgreementAdvisory) {
			m.closeRemaining(idx)
			m.setInstance(domain.InstanceRejected)
			return
		}
		next := nextDecisionStage(m.in.Stages, idx)
		if next < 0 {
			m.setInstance(domain.InstanceApproved)
			return
		}
		m.in.CurrentStage = next
		m.setStage(next, domain.StageWaiting)
	}
}

// closeRemaining skips every open stage after idx.
func (m *machine) closeRemaining(idx int) {
	for i := idx + 1; i < len(m.in.Stages); i++ {
		if s := m.in.Stages[i].Status; s == domain.StageQueued || s == domain.StageWaiting {
			m.setStage(i, domain.StageSkipped)
		}
		m.skipPending(i)
	}
}

type decisionInput struct {
	StageIndex *int
	ApproverID string
	Decision   domain.Decision
	Source     string
	Comment    string
}

// applyDecision records a human decision and settles the instance.
func applyDecision(in domain.Instance, d decisionInput, at string) (domain.Instance, []Transition, error) {
	if in.Status != domain.InstancePending {
		return in, nil, newError(CodeInstanceClosed, "request %s is %s", in.ID, in.Status)
	}
	idx := in.CurrentStage
	if d.StageIndex != nil {
		idx = *d.StageIndex
	}
	if idx != in.CurrentStage {
		return in, nil, newError(CodeStageNotCurrent, "stage %d is not current (current is %d)", idx, in.CurrentStage).
			withDetails(map[string]any{"current_stage": in.CurrentStage})
	}
	st := in.Stages[idx]
	slot := -1
	for j, s := range st.Slots {
		if s.UserID == d.ApproverID {
			slot = j
			break
		}
	}
	if slot < 0 {
		return in, nil, newError(CodeApproverNotAuthorized, "%s holds no slot in stage %d", d.ApproverID, idx)
	}
	if cur := st.Decisions[slot].Decision; cur != domain.DecisionPending {
		return in, nil, newError(CodeAlreadyDecided, "%s already recorded %s on stage %d", d.ApproverID, cur, idx)
	}
	if st.Mode == domain.ModeSequential {
		order := st.Slots[slot].Order
		for j, s := range st.Slots {
			if j != slot && s.Order < order && st.Decisions[j].Decision == domain.DecisionPending {
				return in, nil, newError(CodeOutOfSequence, "%s must act before %s", s.UserID, d.ApproverID).
					withDetails(map[string]any{"waiting_on": s.UserID})
			}
		}
	}
	if d.Decision != domain.DecisionApproved && d.Decision != domain.DecisionRejected {
		return in, nil, newError(CodeInvalidDecision, "decision must be APPROVED or REJECTED, got %q", d.Decision)
	}
	m := newMachine(in, at)
	ts := at
	m.in.Stages[idx].Decisions[slot] = domain.DecisionRecord{
		ApproverID: d.ApproverID,
		Decision:   d.Decision,
		Source:     d.Source,
		DecidedAt:  &ts,
		Comment:    d.Comment,
	}
	m.settle()
	return m.in, m.transitions, nil
}

// slotRef identifies one approver slot inside an instance.
type slotRef struct {
	StageIndex int
	ApproverID string
}

// autoApprove records APPROVED for pending slots of the given approvers in
// the current stage and every later decision stage. An empty approver set
// targets every slot of the current stage.
func autoApprove(in domain.Instance, approvers []string, source, at string) (domain.Instance, []Transition, []slotRef) {
	targets := autoTargets(in, approvers)
	if len(targets) == 0 {
		return in, nil, nil
	}
	m := newMachine(in, at)
	for _, t := range targets {
		m.record(t, source)
	}
	m.settle()
	return m.in, m.transitions, targets
}

// autoTargets lists the pending slots an auto-approval would decide.
func autoTargets(in domain.Instance, approvers []string) []slotRef {
	if in.Status != domain.InstancePending || in.CurrentStage < 0 {
		return nil
	}
	var out []slotRef
	if len(approvers) == 0 {
		st := in.Stages[in.CurrentStage]
		for j, d := range st.Decisions {
			if d.Decision == domain.DecisionPending {
				out = append(out, slotRef{StageIndex: in.CurrentStage, ApproverID: st.Slots[j].UserID})
			}
		}
		return out
	}
	want := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		want[a] = true
	}
	for i := in.CurrentStage; i < len(in.Stages); i++ {
		st := in.Stages[i]
		if st.Type == domain.StageReference {
			continue
		}
		for j, d := range st.Decisions {
			if d.Decision == domain.DecisionPending && want[st.Slots[j].UserID] {
				out = append(out, slotRef{StageIndex: i, ApproverID: st.Slots[j].UserID})
			}
		}
	}
	return out
}

func (m *machine) record(t slotRef, source string) bool {
	st := &m.in.Stages[t.StageIndex]
	for j, s := range st.Slots {
		if s.UserID != t.ApproverID || st.Decisions[j].Decision != domain.DecisionPending {
			continue
		}
		ts := m.at
		st.Decisions[j] = domain.DecisionRecord{ApproverID: s.UserID, Decision: domain.DecisionApproved, Source: source, DecidedAt: &ts}
		return true
	}
	return false
}

// slotPending reports whether the slot can still take a decision.
func slotPending(in domain.Instance, t slotRef) bool {
	if in.Status != domain.InstancePending || t.StageIndex < in.CurrentStage || t.StageIndex >= len(in.Stages) {
		return false
	}
	st := in.Stages[t.StageIndex]
	for j, s := range st.Slots {
		if s.UserID == t.ApproverID {
			return st.Decisions[j].Decision == domain.DecisionPending
		}
	}
	return false
}

// applyDeferred approves one slot on behalf of a rule after its delay.
func applyDeferred(in domain.Instance, t slotRef, source, at string) (domain.Instance, []Transition, bool) {
	if !slotPending(in, t) {
		return in, nil, false
	}
	m := newMachine(in, at)
	m.record(t, source)
	m.settle()
	return m.in, m.transitions, true
}

// cancelInstance withdraws a pending request on behalf of its requester.
func cancelInstance(in domain.Instance, by, at string) (domain.Instance, []Transition, error) {
	if by != in.RequesterID {
		return in, nil, newError(CodeNotRequester, "only the requester can cancel request %s", in.ID)
	}
	if in.Status != domain.InstancePending {
		return in, nil, newError(CodeInstanceClosed, "request %s is %s", in.ID, in.Status)
	}
	m := newMachine(in, at)
	for i := range m.in.Stages {
		if s := m.in.Stages[i].Status; s == domain.StageQueued || s == domain.StageWaiting {
			m.setStage(i, domain.StageSkipped)
		}
		m.skipPending(i)
	}
	m.setInstance(domain.InstanceCancelled)
	return m.in, m.transitions, nil
}

// waitingOn lists who can act right now. SEQUENTIAL stages expose only the
// lowest pending order.
func waitingOn(in domain.Instance) []slotRef {
	if in.Status != domain.InstancePending || in.CurrentStage < 0 {
		return nil
	}
	st := in.Stages[in.CurrentStage]
	var out []slotRef
	if st.Mode == domain.ModeSequential {
		best := -1
		for j, d := range st.Decisions {
			if d.Decision == domain.DecisionPending && (best < 0 || st.Slots[j].Order < st.Slots[best].Order) {
				best = j
			}
		}
		if best >= 0 {
			out = append(out, slotRef{StageIndex: in.CurrentStage, ApproverID: st.Slots[best].UserID})
		}
		return out
	}
	for j, d := range st.Decisions {
		if d.Decision == domain.DecisionPending {
			out = append(out, slotRef{StageIndex: in.CurrentStage, ApproverID: st.Slots[j].UserID})
		}
	}
	return out
}
