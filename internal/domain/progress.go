package domain

// ChannelState is the observable phase of a channel.
type ChannelState string

const (
	StateAwaitingContext      ChannelState = "awaiting_context"
	StateAwaitingMainQuestion ChannelState = "awaiting_main_question"
	StateAwaitingResponse     ChannelState = "awaiting_response"
	StateCompleted            ChannelState = "completed"
)

// ChannelProgress is the cursor of a channel through its questions.
type ChannelProgress struct {
	QuestionIndex int  `json:"question_index"`
	FollowUpIndex int  `json:"follow_up_index"`
	Completed     bool `json:"completed"`
}
