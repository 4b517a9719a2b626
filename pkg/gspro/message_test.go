// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gspro

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantType   Type
		wantCode   int
		wantPlayer string
		wantDevice string
	}{
		{
			name:     "heartbeat",
			frame:    `{"DeviceID":"GC3","ShotDataOptions":{"IsHeartBeat":true}}`,
			wantType: TypeHeartbeat,
		},
		{
			name: "shot with ball data",
			frame: `{"DeviceID":"GC3","ShotNumber":1,"APIversion":"1",` +
				`"BallData":{"Speed":150.2,"SpinAxis":-2.1,"TotalSpin":2800,"HLA":0.5,"VLA":12.3,"CarryDistance":240},` +
				`"ShotDataOptions":{"ContainsBallData":true,"ContainsClubData":false,"IsHeartBeat":false}}`,
			wantType: TypeShot,
		},
		{
			name:     "shot with lowercase ball data key",
			frame:    `{"ballData":{"Speed":120.0}}`,
			wantType: TypeShot,
		},
		{
			name:     "shot flagged by options only",
			frame:    `{"ShotDataOptions":{"ContainsBallData":true,"IsHeartBeat":false}}`,
			wantType: TypeShot,
		},
		{
			name:       "legacy shot envelope names its player",
			frame:      `{"Header":{"MessageType":"GSProShotData"},"ShotData":{"PlayerName":"Alice","Speed":101.0}}`,
			wantType:   TypeShot,
			wantPlayer: "Alice",
		},
		{
			name:     "player info broadcast",
			frame:    `{"Code":201,"Message":"Player Info","Player":{"Handed":"RH","Club":"DR"}}`,
			wantType: TypePlayerInfo,
			wantCode: 201,
		},
		{
			name:       "legacy player info envelope",
			frame:      `{"Header":{"MessageType":"ProxyPlayerInfo"},"PlayerInfo":{"Name":"Bob"}}`,
			wantType:   TypePlayerInfo,
			wantPlayer: "Bob",
		},
		{
			name:     "player info code without player object is a response",
			frame:    `{"Code":201,"Message":"Player Info"}`,
			wantType: TypeResponse,
			wantCode: 201,
		},
		{
			name:     "shot ack",
			frame:    `{"Code":200}`,
			wantType: TypeResponse,
			wantCode: 200,
		},
		{
			name:     "heartbeat ack",
			frame:    `{"Code":200,"Message":"Heartbeat Acknowledged"}`,
			wantType: TypeResponse,
			wantCode: 200,
		},
		{
			name:     "error response",
			frame:    `{"Code":400,"Message":"Invalid JSON"}`,
			wantType: TypeResponse,
			wantCode: 400,
		},
		{
			name:       "device identification",
			frame:      `{"DeviceID":"GC3-0042","DeviceName":"Garage GC3","APIversion":"1","Units":"Yards"}`,
			wantType:   TypeOther,
			wantDevice: "Garage GC3",
		},
		{
			name:     "device id alone is not an identity claim",
			frame:    `{"DeviceID":"GC3-0042"}`,
			wantType: TypeOther,
		},
		{
			name:     "mistyped field still classifies",
			frame:    `{"Code":"oops","DeviceID":"GC3"}`,
			wantType: TypeOther,
		},
		{
			name:     "empty object",
			frame:    `{}`,
			wantType: TypeOther,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := classify([]byte(tc.frame))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if msg.Type != tc.wantType {
				t.Errorf("type = %v, want %v", msg.Type, tc.wantType)
			}
			if msg.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", msg.Code, tc.wantCode)
			}
			if msg.PlayerName != tc.wantPlayer {
				t.Errorf("player name = %q, want %q", msg.PlayerName, tc.wantPlayer)
			}
			if msg.Device != tc.wantDevice {
				t.Errorf("device = %q, want %q", msg.Device, tc.wantDevice)
			}
		})
	}
}

func TestClassifyRejectsNonObjects(t *testing.T) {
	for _, frame := range []string{`[1,2,3]`, `"hello"`, `42`, `null`} {
		if _, err := classify([]byte(frame)); err == nil {
			t.Errorf("classify(%s) accepted a non-object frame", frame)
		}
	}
}

func TestPlayerAttributes(t *testing.T) {
	frame := `{"Code":201,"Player":{"Handed":"LH","Club":"7I","DistanceToTarget":152,"Name":"Carol"}}`
	msg, err := classify([]byte(frame))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if msg.Type != TypePlayerInfo {
		t.Fatalf("type = %v, want %v", msg.Type, TypePlayerInfo)
	}

	want := map[string]string{"Handed": "LH", "Club": "7I", "Name": "Carol"}
	if len(msg.Player) != len(want) {
		t.Fatalf("attributes = %v, want %v", msg.Player, want)
	}
	for k, v := range want {
		if msg.Player[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, msg.Player[k], v)
		}
	}
	if _, ok := msg.Player["DistanceToTarget"]; ok {
		t.Error("numeric attribute should not survive extraction")
	}
}

func TestTypeString(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{TypeOther, "other"},
		{TypeHeartbeat, "heartbeat"},
		{TypeShot, "shot"},
		{TypePlayerInfo, "player_info"},
		{TypeResponse, "response"},
	}
	for _, tc := range tests {
		if got := tc.typ.String(); got != tc.want {
			t.Errorf("Type(%d).String() = %q, want %q", int(tc.typ), got, tc.want)
		}
	}
}
