// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gspro implements the GSPro Connect v1 wire format shared by launch
// monitors and the simulator.
//
// # Frame Format
//
// A frame is a single JSON object on a stream socket. Peers usually terminate
// frames with '\n' but the simulator is allowed to send objects back to back,
// so the decoder consumes exactly one JSON value per call regardless of line
// breaks.
//
// Launch monitor → simulator:
//
//	{
//	  "DeviceID": "GC3-0042",
//	  "Units": "Yards",
//	  "ShotNumber": 7,
//	  "APIversion": "1",
//	  "BallData":  { "Speed": 163.1, "SpinAxis": -4.2, "TotalSpin": 2540,
//	                 "HLA": 1.2, "VLA": 14.8, "CarryDistance": 251 },
//	  "ClubData":  { "Speed": 104.5, "AngleOfAttack": -1.1,
//	                 "FaceToTarget": 0.4, "Path": -0.7 },
//	  "ShotDataOptions": { "ContainsBallData": true, "ContainsClubData": true,
//	                       "LaunchMonitorIsReady": true,
//	                       "LaunchMonitorBallDetected": true,
//	                       "IsHeartBeat": false }
//	}
//
// Simulator → launch monitor:
//
//	{"Code": 200}                                          shot acknowledged
//	{"Code": 200, "Message": "Heartbeat Acknowledged"}     heartbeat reply
//	{"Code": 201, "Message": "Player Info",
//	 "Player": {"Handed": "RH", "Club": "DR"}}             player change
//	{"Code": 400, "Message": "Invalid JSON"}               error
//
// Legacy envelopes carry a Header.MessageType discriminator ("PlayerInfo",
// "ShotData") with PlayerInfo.Name or ShotData.PlayerName for correlation.
//
// # Classification
//
// Decode classifies every frame into exactly one Type:
//
//	TypeHeartbeat   ShotDataOptions.IsHeartBeat
//	TypeShot        ball data present or ShotDataOptions.ContainsBallData
//	TypePlayerInfo  Code 201 with a Player object, or a PlayerInfo envelope
//	TypeResponse    any other frame with a Code
//	TypeOther       everything else (device identification, vendor extras)
//
// # Forwarding
//
// Message.Raw holds the frame bytes exactly as received. Proxies forward Raw
// unmodified so field order, spacing, and vendor-specific fields survive the
// trip; only frames the proxy originates itself are marshaled.
package gspro
