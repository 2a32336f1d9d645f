package models

// Platform identifies one side of an atelier conversation.
type Platform string

const (
	PlatformGuild     Platform = "guild"
	PlatformMessaging Platform = "messaging"
)

func (p Platform) Valid() bool {
	return p == PlatformGuild || p == PlatformMessaging
}

// Other returns the opposite side of the conversation.
func (p Platform) Other() Platform {
	if p == PlatformGuild {
		return PlatformMessaging
	}
	return PlatformGuild
}

// ProcessingState tracks the design-automation job attached to an order thread.
// Transitions are monotonic except FAILED -> QUEUED (manual retry).
type ProcessingState string

const (
	ProcessingStateNone      ProcessingState = "NONE"
	ProcessingStateQueued    ProcessingState = "QUEUED"
	ProcessingStateRunning   ProcessingState = "RUNNING"
	ProcessingStateSucceeded ProcessingState = "SUCCEEDED"
	ProcessingStateFailed    ProcessingState = "FAILED"
)

func (s ProcessingState) Terminal() bool {
	return s == ProcessingStateSucceeded || s == ProcessingStateFailed
}

// Ledger stages. One (event_id, stage) pair per executed side effect.
const (
	StageIngress       = "ingress"
	StageJobSubmit     = "job-submit"
	StageRelayEmit     = "relay-emit" // suffixed with ":<platform>" per target
	StageOperatorAlert = "operator-alert"
)

func RelayEmitStage(target Platform) string {
	return StageRelayEmit + ":" + string(target)
}

// Outbound message kinds. Operator alerts carry failure detail and never go to
// a customer-facing thread.
type OutboundKind string

const (
	OutboundKindRelay         OutboundKind = "relay"
	OutboundKindJobSuccess    OutboundKind = "job-success"
	OutboundKindJobFailure    OutboundKind = "job-failure"
	OutboundKindOperatorAlert OutboundKind = "operator-alert"
)

// Delivery statuses for OutboundMessage.DeliveryStatus.
const (
	OutboundDeliveryStatusPending    = "PENDING"
	OutboundDeliveryStatusProcessing = "PROCESSING"
	OutboundDeliveryStatusSent       = "SENT"
	OutboundDeliveryStatusFailed     = "FAILED"
	OutboundDeliveryStatusDead       = "DEAD"
)
