package eventbus

// Event types published by gatebot components.
const (
	CampaignStarted  = "campaign.started"
	CampaignProgress = "campaign.progress"
	CampaignCooldown = "campaign.cooldown"
	CampaignOutcome  = "campaign.outcome"
	CampaignFinished = "campaign.finished"

	GateChallenged    = "gate.challenged"
	GateConfirmed     = "gate.confirmed"
	GateAlreadyMember = "gate.already_member"
	GateApproved      = "gate.approved"
	GateApproveFailed = "gate.approve_failed"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
)
