package domain

// MessageType classifies a chat transcript entry
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeJoin    MessageType = "join"
	MessageTypeLeave   MessageType = "leave"
	MessageTypeSystem  MessageType = "system"
)

// SystemSender is the sender name used for messages the registry synthesizes
const SystemSender = "System"

// DefaultChatHistoryLimit is the number of transcript entries kept per stream
const DefaultChatHistoryLimit = 100

// ChatMessage is one entry of a stream's chat transcript
type ChatMessage struct {
	ID            string      `json:"id"`
	StreamID      string      `json:"streamId"`
	Sender        string      `json:"sender"`
	SenderAddress string      `json:"senderAddress,omitempty"`
	Message       string      `json:"message"`
	Timestamp     int64       `json:"timestamp"`
	Type          MessageType `json:"type"`
}
