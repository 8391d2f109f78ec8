package models

// CampaignState is the lifecycle state of a campaign
type CampaignState string

const (
	CampaignCreated   CampaignState = "created"
	CampaignPlanning  CampaignState = "planning"
	CampaignRunning   CampaignState = "running"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
)

// campaignTransitions is the legal campaign state graph
var campaignTransitions = map[CampaignState][]CampaignState{
	CampaignCreated:  {CampaignPlanning, CampaignFailed},
	CampaignPlanning: {CampaignRunning, CampaignCompleted, CampaignFailed},
	CampaignRunning:  {CampaignPaused, CampaignCompleted, CampaignFailed},
	CampaignPaused:   {CampaignRunning, CampaignCompleted, CampaignFailed},
}

// CanTransition reports whether a campaign may move from s to next
func (s CampaignState) CanTransition(next CampaignState) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the campaign state is final
func (s CampaignState) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// SubmissionState tracks the delivery of an application to a platform
type SubmissionState string

const (
	SubmissionPlanned         SubmissionState = "planned"
	SubmissionSubmitting      SubmissionState = "submitting"
	SubmissionSubmitted       SubmissionState = "submitted"
	SubmissionFailedRetryable SubmissionState = "failed_retryable"
	SubmissionFailedPermanent SubmissionState = "failed_permanent"
	SubmissionWithdrawn       SubmissionState = "withdrawn"
)

// submissionTransitions is monotonic except for the retry loop
// failed_retryable -> submitting.
var submissionTransitions = map[SubmissionState][]SubmissionState{
	SubmissionPlanned:         {SubmissionSubmitting, SubmissionWithdrawn},
	SubmissionSubmitting:      {SubmissionSubmitted, SubmissionFailedRetryable, SubmissionFailedPermanent},
	SubmissionFailedRetryable: {SubmissionSubmitting, SubmissionFailedPermanent, SubmissionWithdrawn},
}

// CanTransition reports whether a submission may move from s to next
func (s SubmissionState) CanTransition(next SubmissionState) bool {
	for _, allowed := range submissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OutcomeState is the observable platform-side fate of a submission
type OutcomeState string

const (
	OutcomeNoResponse  OutcomeState = "no_response"
	OutcomeUnderReview OutcomeState = "under_review"
	OutcomeInterview   OutcomeState = "interview"
	OutcomeOffer       OutcomeState = "offer"
	OutcomeRejected    OutcomeState = "rejected"
	OutcomeGhosted     OutcomeState = "ghosted"
)

// outcomeRank orders outcomes along the partial order
// no_response < under_review < {interview, rejected} < offer.
// Ghosted sits at interview/rejected rank: it is terminal and absorbing.
var outcomeRank = map[OutcomeState]int{
	OutcomeNoResponse:  0,
	OutcomeUnderReview: 1,
	OutcomeInterview:   2,
	OutcomeRejected:    2,
	OutcomeGhosted:     2,
	OutcomeOffer:       3,
}

// Terminal reports whether the outcome is absorbing
func (o OutcomeState) Terminal() bool {
	switch o {
	case OutcomeOffer, OutcomeRejected, OutcomeGhosted:
		return true
	}
	return false
}

// Advances reports whether moving from o to next is a forward step.
// Regressions and moves out of a terminal outcome are rejected.
func (o OutcomeState) Advances(next OutcomeState) bool {
	if o.Terminal() || o == next {
		return false
	}
	return outcomeRank[next] > outcomeRank[o]
}
