package domain

// Well-known switch hangup causes the engine classifies explicitly.
const (
	CauseNormalClearing   = "NORMAL_CLEARING"
	CauseNoAnswer         = "NO_ANSWER"
	CauseNoUserResponse   = "NO_USER_RESPONSE"
	CauseUserBusy         = "USER_BUSY"
	CauseCallRejected     = "CALL_REJECTED"
	CauseOriginatorCancel = "ORIGINATOR_CANCEL"
)

// LeadStatusForCause maps a switch hangup cause to the terminal lead status.
// The mapping is total: unrecognized causes classify as failed so every
// dialed lead reaches a terminal status.
func LeadStatusForCause(cause string) LeadStatus {
	switch cause {
	case CauseNormalClearing:
		return LeadStatusCompleted
	case CauseNoAnswer, CauseNoUserResponse:
		return LeadStatusNoAnswer
	case CauseUserBusy:
		return LeadStatusBusy
	case CauseCallRejected, CauseOriginatorCancel:
		return LeadStatusAbandoned
	default:
		return LeadStatusFailed
	}
}
