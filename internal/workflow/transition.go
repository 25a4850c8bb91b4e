package workflow

import "github.com/joescharf/fixgate/internal/models"

// event is something that can happen to a review.
type event string

const (
	evApprovalRecorded     event = "approval_recorded"
	evApprovalThresholdMet event = "approval_threshold_met"
	evReject               event = "reject"
	evRequestModifications event = "request_modifications"
	evTimeout              event = "timeout"
)

// transitions is the only place review statuses change. Approved and
// rejected have no entries and are therefore terminal.
var transitions = map[models.ReviewStatus]map[event]models.ReviewStatus{
	models.ReviewStatusPending: {
		evApprovalRecorded:     models.ReviewStatusPending,
		evApprovalThresholdMet: models.ReviewStatusApproved,
		evReject:               models.ReviewStatusRejected,
		evRequestModifications: models.ReviewStatusModificationsRequested,
		evTimeout:              models.ReviewStatusApproved,
	},
	models.ReviewStatusModificationsRequested: {
		evRequestModifications: models.ReviewStatusModificationsRequested,
	},
}

// transition returns the status reached when ev happens in from, and
// whether the move is allowed at all.
func transition(from models.ReviewStatus, ev event) (models.ReviewStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}
