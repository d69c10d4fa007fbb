package models

// TimestampLayout is the second-precision local-clock format stored in chat_history.
const TimestampLayout = "2006-01-02 15:04:05"

// HistoryRecord is one completed exchange in the durable log.
type HistoryRecord struct {
	Timestamp   string `json:"timestamp"`
	UserMessage string `json:"user_message"`
	BotResponse string `json:"bot_response"`
}

// SystemPromptConfig is the operator-editable prompt and sampling temperature.
// It only lives for the duration of the process.
type SystemPromptConfig struct {
	PromptText  string  `json:"prompt_text"`
	Temperature float64 `json:"temperature"`
}
