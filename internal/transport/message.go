// Package transport implements the framed request/reply protocol the
// licence clients speak: a 4-byte big-endian length prefix followed by
// a JSON body, served over TCP by a fixed worker pool.
package transport

import (
	"fmt"
	"time"
)

// MessageType tags a request or reply body. The set is closed; anything
// else on the wire gets an UnknownError reply.
type MessageType int

const (
	MessageReply            MessageType = 0
	MessageTakeSeat         MessageType = 1
	MessageReleaseSeat      MessageType = 2
	MessageRefreshSeat      MessageType = 3
	MessageQueryConnections MessageType = 4
	MessageNumberOfSeats    MessageType = 5
	MessageServerVersion    MessageType = 6
	MessageQueryProducts    MessageType = 7
	MessageQueryLicence     MessageType = 8
	MessageWebServerAddress MessageType = 9
	MessageKill             MessageType = -1
)

// String names the message type for logs.
func (t MessageType) String() string {
	switch t {
	case MessageReply:
		return "Reply"
	case MessageTakeSeat:
		return "TakeSeat"
	case MessageReleaseSeat:
		return "ReleaseSeat"
	case MessageRefreshSeat:
		return "RefreshSeat"
	case MessageQueryConnections:
		return "QueryConnections"
	case MessageNumberOfSeats:
		return "NumberOfSeats"
	case MessageServerVersion:
		return "ServerVersion"
	case MessageQueryProducts:
		return "QueryProducts"
	case MessageQueryLicence:
		return "QueryLicence"
	case MessageWebServerAddress:
		return "WebServerAddress"
	case MessageKill:
		return "Kill"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// ErrorCode is the coarse error classification carried in replies.
type ErrorCode int

const (
	NoError        ErrorCode = 0
	UnknownError   ErrorCode = 1000
	InvalidProduct ErrorCode = 1001
)

// Request is the client-to-server body. Fields the message type does
// not use are left empty.
type Request struct {
	Type    MessageType `json:"type"`
	Product string      `json:"product,omitempty"`
	User    string      `json:"user,omitempty"`
	Host    string      `json:"host,omitempty"`
	IP      string      `json:"ip,omitempty"`
}

// ConnectionInfo is one live connection in a QueryConnections reply.
type ConnectionInfo struct {
	User       string    `json:"user"`
	Host       string    `json:"host"`
	IP         string    `json:"ip"`
	LogonTime  time.Time `json:"logonTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// LicenceInfo is the headline licence view in a QueryLicence reply.
// Date is DD/Mon/YYYY, empty when a perpetual licence is active.
type LicenceInfo struct {
	Company       string `json:"company"`
	Product       string `json:"product"`
	Customer      string `json:"customer"`
	Ref           string `json:"ref,omitempty"`
	Reseller      string `json:"reseller,omitempty"`
	NumberOfSeats int    `json:"numberOfSeats"`
	Date          string `json:"date,omitempty"`
}

// Reply is the server-to-client body. Only the fields relevant to the
// answered message type are set.
type Reply struct {
	Type        MessageType      `json:"type"`
	Error       ErrorCode        `json:"error"`
	Granted     *bool            `json:"granted,omitempty"`
	Seats       *int             `json:"seats,omitempty"`
	Value       string           `json:"value,omitempty"`
	Products    []string         `json:"products,omitempty"`
	Connections []ConnectionInfo `json:"connections,omitempty"`
	Licence     *LicenceInfo     `json:"licence,omitempty"`
}

func okReply() Reply {
	return Reply{Type: MessageReply, Error: NoError}
}

func errorReply(code ErrorCode) Reply {
	return Reply{Type: MessageReply, Error: code}
}
