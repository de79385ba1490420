// Package protocol defines the typed message envelope exchanged between
// robots, users, and monitors over their persistent connections. Every frame
// on the wire is one Message: a type tag, an optional conversation id used to
// correlate replies with requests, and a flat string key/value payload.
//
// The wire encoding is a single UTF-8 JSON object:
//
//	{"type":11,"conversationId":42,"values":{"robot":"3"}}
//
// Type values are part of the wire contract shared with robot firmware and
// the operator UI — they must never be renumbered.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of event carried by a Message. The numeric
// values are stable wire identifiers.
type MessageType int

const (
	// TypeUnknown is the zero value; it is never sent deliberately.
	TypeUnknown MessageType = 0

	// Authenticate carries a session token from a freshly connected peer.
	Authenticate MessageType = 1

	// Authenticated confirms that the peer's credentials are valid.
	Authenticated MessageType = 2

	// RequestRobot asks the server to allocate an available robot.
	RequestRobot MessageType = 11

	// RobotAllocated tells the requester which robot it has been given.
	RobotAllocated MessageType = 12

	// NoRobotsAvailable is the allocation-failure reply.
	NoRobotsAvailable MessageType = 13

	// TransferProgram asks the server to push a program to a robot.
	TransferProgram MessageType = 20

	// ProgramTransferred confirms that the robot finished downloading.
	ProgramTransferred MessageType = 21

	// DownloadProgram instructs a robot to download a program.
	DownloadProgram MessageType = 22

	// ProgramDownloaded is the robot's download-complete report.
	ProgramDownloaded MessageType = 23

	// UnableToDownloadProgram is the robot's download-failure report.
	UnableToDownloadProgram MessageType = 24

	// StartProgram requests execution of a previously transferred program.
	StartProgram MessageType = 101

	// ProgramStarted reports that execution has begun.
	ProgramStarted MessageType = 102

	// ProgramFinished reports that execution completed normally.
	ProgramFinished MessageType = 103

	// StopProgram requests cancellation of a running program.
	StopProgram MessageType = 201

	// ProgramStopped reports that execution was cancelled.
	ProgramStopped MessageType = 202

	// RobotStateUpdate is a robot's periodic state report.
	RobotStateUpdate MessageType = 501

	// RobotDebugMessage carries step-level debug output from a robot.
	RobotDebugMessage MessageType = 502

	// RobotError reports an error raised during program execution.
	RobotError MessageType = 503

	// TypeError is the generic protocol-error reply (unknown type, bad
	// field, handler failure).
	TypeError MessageType = 1000

	// NotAuthenticated rejects a request from an unauthenticated peer.
	NotAuthenticated MessageType = 1001

	// Forbidden rejects a request from a peer with the wrong role.
	Forbidden MessageType = 1002

	// StartMonitoring subscribes the sender to all broadcast traffic.
	StartMonitoring MessageType = 1100

	// StopMonitoring cancels a monitoring subscription.
	StopMonitoring MessageType = 1101

	// ClientAdded announces a new connection to monitors.
	ClientAdded MessageType = 1102

	// ClientRemoved announces a departed connection to monitors.
	ClientRemoved MessageType = 1103

	// AlertsRequest asks for the current alerts buffered on a robot.
	AlertsRequest MessageType = 1200

	// AlertBroadcast carries one alert to listeners and monitors.
	AlertBroadcast MessageType = 1201
)

// typeNames maps wire values to their human-readable names for logging and
// error replies.
var typeNames = map[MessageType]string{
	TypeUnknown:             "Unknown",
	Authenticate:            "Authenticate",
	Authenticated:           "Authenticated",
	RequestRobot:            "RequestRobot",
	RobotAllocated:          "RobotAllocated",
	NoRobotsAvailable:       "NoRobotsAvailable",
	TransferProgram:         "TransferProgram",
	ProgramTransferred:      "ProgramTransferred",
	DownloadProgram:         "DownloadProgram",
	ProgramDownloaded:       "ProgramDownloaded",
	UnableToDownloadProgram: "UnableToDownloadProgram",
	StartProgram:            "StartProgram",
	ProgramStarted:          "ProgramStarted",
	ProgramFinished:         "ProgramFinished",
	StopProgram:             "StopProgram",
	ProgramStopped:          "ProgramStopped",
	RobotStateUpdate:        "RobotStateUpdate",
	RobotDebugMessage:       "RobotDebugMessage",
	RobotError:              "RobotError",
	TypeError:               "Error",
	NotAuthenticated:        "NotAuthenticated",
	Forbidden:               "Forbidden",
	StartMonitoring:         "StartMonitoring",
	StopMonitoring:          "StopMonitoring",
	ClientAdded:             "ClientAdded",
	ClientRemoved:           "ClientRemoved",
	AlertsRequest:           "AlertsRequest",
	AlertBroadcast:          "AlertBroadcast",
}

// String returns the message type's name, or "MessageType(n)" for values not
// in the protocol.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is the envelope for every frame exchanged with a peer.
//
// ConversationID correlates replies with requests: a handler producing a
// reply copies the request's conversation id into it unchanged. Values is a
// flat string map; key order is irrelevant.
type Message struct {
	Type           MessageType       `json:"type"`
	ConversationID int64             `json:"conversationId,omitempty"`
	Values         map[string]string `json:"values,omitempty"`
}

// New creates a Message of the given type with an empty value map.
func New(t MessageType) *Message {
	return &Message{Type: t, Values: map[string]string{}}
}

// Response creates an empty reply of the given type, carrying the request's
// conversation id unchanged.
func Response(request *Message, t MessageType) *Message {
	return &Message{
		Type:           t,
		ConversationID: request.ConversationID,
		Values:         map[string]string{},
	}
}

// ErrorResponse creates an Error reply to request with a human-readable
// message under the "error" key.
func ErrorResponse(request *Message, text string) *Message {
	resp := Response(request, TypeError)
	resp.Values["error"] = text
	return resp
}

// Set stores a value and returns the message, allowing chained construction.
func (m *Message) Set(key, value string) *Message {
	if m.Values == nil {
		m.Values = map[string]string{}
	}
	m.Values[key] = value
	return m
}

// Get returns the value for key, or "" when absent.
func (m *Message) Get(key string) string {
	return m.Values[key]
}

// Clone returns a copy of the message with its own value map. Messages
// fanned out to multiple connections are cloned so later mutation by one
// consumer cannot leak into another's copy.
func (m *Message) Clone() *Message {
	clone := &Message{
		Type:           m.Type,
		ConversationID: m.ConversationID,
		Values:         make(map[string]string, len(m.Values)),
	}
	for k, v := range m.Values {
		clone.Values[k] = v
	}
	return clone
}

// Marshal encodes the message as UTF-8 JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s message: %w", m.Type, err)
	}
	return data, nil
}

// Unmarshal decodes a wire frame into a Message. The transport below this
// layer has already reassembled fragments, so data is always one complete
// JSON object.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal message: %w", err)
	}
	if m.Values == nil {
		m.Values = map[string]string{}
	}
	return &m, nil
}
