package event

import "time"

// UID is the payload of uid-assigned.
type UID struct {
	UID    string `json:"uid"`
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// ChatMessage is the payload of message and message-ack.
type ChatMessage struct {
	ID           int64     `json:"id"`
	TicketID     int64     `json:"ticketId"`
	SenderID     int64     `json:"senderId"`
	SenderRole   string    `json:"senderRole"`
	ReceiverID   int64     `json:"receiverId"`
	ReceiverRole string    `json:"receiverRole"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
	IsRead       bool      `json:"isRead"`
}

// MessageNotice is the lightweight new-message payload.
type MessageNotice struct {
	TicketID  int64  `json:"ticketId"`
	MessageID int64  `json:"messageId"`
	SenderID  int64  `json:"senderId"`
	Preview   string `json:"preview"`
}

// Assignment is the payload of ticket-assigned.
type Assignment struct {
	TicketID int64 `json:"ticketId"`
	AgentID  int64 `json:"supportTeamId"`
}

// Ticket is the payload of new-ticket.
type Ticket struct {
	ID              int64      `json:"id"`
	ClientID        int64      `json:"clientId"`
	SupportTeamID   int64      `json:"supportTeamId"`
	CategoryID      int64      `json:"categoryId"`
	Subject         string     `json:"subject"`
	Description     string     `json:"description"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Category        string     `json:"category"`
	UnreadCount     int        `json:"unreadCount"`
	LastMessageTime *time.Time `json:"lastMessageTime"`
}

// IncomingCall is pushed to the agent when a client starts a call.
type IncomingCall struct {
	CallID     string `json:"callId"`
	TicketID   int64  `json:"ticketId"`
	CallerID   int64  `json:"callerId"`
	CallerType string `json:"callerType"`
}

// CallAnswer is pushed to both parties when the agent accepts.
type CallAnswer struct {
	CallID     string     `json:"callId"`
	TicketID   int64      `json:"ticketId"`
	Accepted   bool       `json:"accepted"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
}

// Signal carries one WebRTC negotiation step, unchanged.
type Signal struct {
	CallID     string `json:"callId"`
	Type       string `json:"type"`
	Data       string `json:"data"`
	FromUserID int64  `json:"fromUserId"`
	ToUserID   int64  `json:"toUserId"`
}

// CallEnded is pushed to both parties when a call ends for any reason.
type CallEnded struct {
	CallID   string `json:"callId"`
	TicketID int64  `json:"ticketId"`
	Reason   string `json:"reason"`
}
