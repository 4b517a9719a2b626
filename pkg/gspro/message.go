// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gspro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Response codes used by GSPro Connect v1.
const (
	CodeSuccess    = 200
	CodePlayerInfo = 201
	CodeBadRequest = 400
)

// Type identifies the role of a frame after classification.
type Type int

const (
	// TypeOther covers valid frames that match no discriminator, such as
	// device identification messages. They are forwarded untouched.
	TypeOther Type = iota

	// TypeHeartbeat is a launch monitor keep-alive.
	TypeHeartbeat

	// TypeShot carries ball (and optionally club) data for one swing.
	TypeShot

	// TypePlayerInfo announces the current player, either as the
	// simulator's Code 201 broadcast or as a legacy PlayerInfo envelope.
	TypePlayerInfo

	// TypeResponse is a simulator status frame (acks and errors).
	TypeResponse
)

// String returns a human-readable type name.
func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeShot:
		return "shot"
	case TypePlayerInfo:
		return "player_info"
	case TypeResponse:
		return "response"
	default:
		return "other"
	}
}

// Message is one decoded GSPro Connect frame.
//
// Raw preserves the frame bytes exactly as received, so forwarding a peer's
// frame never re-encodes it. The remaining fields are read-only views used
// for routing; Player in particular must be treated as immutable once the
// frame enters the router.
type Message struct {
	Raw  []byte
	Type Type

	// Code is the simulator status code, 0 when absent.
	Code int

	// Text is the simulator's Message field.
	Text string

	// Device is the sender's DeviceName. DeviceID is deliberately not a
	// fallback: every Connect v1 frame carries a DeviceID, and sessions
	// rename themselves after Device, which must stay an explicit claim.
	Device string

	// Player holds the string-valued attributes of a Code 201 Player
	// object. Non-string attributes are omitted: selection rules compare
	// string values and a number can never equal one.
	Player map[string]string

	// PlayerName is the correlation name carried by legacy PlayerInfo and
	// ShotData envelopes, empty when the frame names no player.
	PlayerName string
}

// Response is a status frame originated by the proxy itself.
type Response struct {
	Code    int    `json:"Code"`
	Message string `json:"Message,omitempty"`
}

// envelope is the superset of fields the proxy inspects. encoding/json
// matches keys case-insensitively, which also covers the lowercase
// "ballData"/"shotData" spellings some monitors emit.
type envelope struct {
	Code            int              `json:"Code"`
	Message         string           `json:"Message"`
	Player          map[string]any   `json:"Player"`
	Header          *header          `json:"Header"`
	PlayerInfo      *playerInfo      `json:"PlayerInfo"`
	ShotData        json.RawMessage  `json:"ShotData"`
	BallData        json.RawMessage  `json:"BallData"`
	DeviceName      string           `json:"DeviceName"`
	ShotDataOptions *shotDataOptions `json:"ShotDataOptions"`
}

type header struct {
	MessageType string `json:"MessageType"`
}

type playerInfo struct {
	Name string `json:"Name"`
}

type shotData struct {
	PlayerName string `json:"PlayerName"`
}

type shotDataOptions struct {
	ContainsBallData          bool `json:"ContainsBallData"`
	ContainsClubData          bool `json:"ContainsClubData"`
	LaunchMonitorIsReady      bool `json:"LaunchMonitorIsReady"`
	LaunchMonitorBallDetected bool `json:"LaunchMonitorBallDetected"`
	IsHeartBeat               bool `json:"IsHeartBeat"`
}

// classify builds a Message from one raw frame. raw must be a complete JSON
// value; the caller owns error reporting for anything that fails to decode.
func classify(raw []byte) (*Message, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("frame is not a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || typeErr.Field == "" {
			return nil, err
		}
		// A mistyped field inside an otherwise valid object. Classify what
		// did decode; the frame is forwarded untouched either way.
	}

	msg := &Message{
		Raw:    raw,
		Code:   env.Code,
		Text:   env.Message,
		Device: env.DeviceName,
	}

	msgType := ""
	if env.Header != nil {
		msgType = env.Header.MessageType
	}

	switch {
	case env.ShotDataOptions != nil && env.ShotDataOptions.IsHeartBeat:
		msg.Type = TypeHeartbeat

	case len(env.BallData) > 0 ||
		(env.ShotDataOptions != nil && env.ShotDataOptions.ContainsBallData) ||
		len(env.ShotData) > 0:
		msg.Type = TypeShot
		msg.PlayerName = shotPlayerName(env.ShotData)

	case env.Code == CodePlayerInfo && env.Player != nil:
		msg.Type = TypePlayerInfo
		msg.Player = stringAttributes(env.Player)

	case containsPlayerInfo(msgType):
		msg.Type = TypePlayerInfo
		if env.PlayerInfo != nil {
			msg.PlayerName = env.PlayerInfo.Name
		}

	case env.Code != 0:
		msg.Type = TypeResponse

	default:
		msg.Type = TypeOther
	}

	return msg, nil
}

// stringAttributes keeps the string-valued entries of a Player object.
func stringAttributes(player map[string]any) map[string]string {
	attrs := make(map[string]string, len(player))
	for k, v := range player {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return attrs
}

// shotPlayerName extracts ShotData.PlayerName when present.
func shotPlayerName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var sd shotData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return ""
	}
	return sd.PlayerName
}

func containsPlayerInfo(msgType string) bool {
	return strings.Contains(msgType, "PlayerInfo")
}
