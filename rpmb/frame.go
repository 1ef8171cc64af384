// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// FrameLength is the size of an RPMB data frame.
const FrameLength = 512

// Data frame field offsets (JESD84-B51, Table 17).
const (
	offMAC     = 196
	offData    = 228
	offNonce   = 484
	offCounter = 500
	offAddress = 504
	offCount   = 506
	offResult  = 508
	offType    = 510
)

// RequestType is an RPMB request message type, the matching response type
// is the request type shifted in the high byte.
type RequestType uint16

// JESD84-B51, Table 18.
const (
	KeyProgramming RequestType = iota + 1
	CounterRead
	DataWrite
	DataRead
	ResultRead
)

var requestNames = map[RequestType]string{
	KeyProgramming: "key programming",
	CounterRead:    "counter read",
	DataWrite:      "authenticated data write",
	DataRead:       "authenticated data read",
	ResultRead:     "result read",
}

func (t RequestType) String() string {
	if n, ok := requestNames[t]; ok {
		return n
	}
	return fmt.Sprintf("request(%#04x)", uint16(t))
}

// Response returns the response type of a request.
func (t RequestType) Response() RequestType {
	return t << 8
}

// reliable reports whether requests of type t must be sent with reliable
// write semantics.
func (t RequestType) reliable() bool {
	return t == KeyProgramming || t == DataWrite
}

// Result is an RPMB operation result (JESD84-B51, Table 20).
type Result uint16

const (
	OK Result = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	KeyNotProgrammed
)

var resultNames = map[Result]string{
	OK:                    "ok",
	GeneralFailure:        "general failure",
	AuthenticationFailure: "authentication failure",
	CounterFailure:        "counter failure",
	AddressFailure:        "address failure",
	WriteFailure:          "write failure",
	ReadFailure:           "read failure",
	KeyNotProgrammed:      "key not programmed",
}

func (r Result) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("result(%#04x)", uint16(r))
}

// OperationError reports a failed operation result returned by the card.
type OperationError struct {
	Op     RequestType
	Result Result
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("rpmb %s: %s", e.Op, e.Result)
}

// Frame is a decoded RPMB data frame.
type Frame struct {
	MAC     [32]byte
	Data    [SectorSize]byte
	Nonce   [16]byte
	Counter uint32
	Address uint16
	Count   uint16
	Result  Result
	Type    RequestType
}

// Bytes encodes the frame.
func (f *Frame) Bytes() []byte {
	buf := make([]byte, FrameLength)

	copy(buf[offMAC:], f.MAC[:])
	copy(buf[offData:], f.Data[:])
	copy(buf[offNonce:], f.Nonce[:])
	binary.BigEndian.PutUint32(buf[offCounter:], f.Counter)
	binary.BigEndian.PutUint16(buf[offAddress:], f.Address)
	binary.BigEndian.PutUint16(buf[offCount:], f.Count)
	binary.BigEndian.PutUint16(buf[offResult:], uint16(f.Result))
	binary.BigEndian.PutUint16(buf[offType:], uint16(f.Type))

	return buf
}

// ParseFrame decodes a data frame.
func ParseFrame(buf []byte) (*Frame, error) {
	if len(buf) != FrameLength {
		return nil, fmt.Errorf("invalid frame length %d", len(buf))
	}

	f := &Frame{
		Counter: binary.BigEndian.Uint32(buf[offCounter:]),
		Address: binary.BigEndian.Uint16(buf[offAddress:]),
		Count:   binary.BigEndian.Uint16(buf[offCount:]),
		Result:  Result(binary.BigEndian.Uint16(buf[offResult:])),
		Type:    RequestType(binary.BigEndian.Uint16(buf[offType:])),
	}

	copy(f.MAC[:], buf[offMAC:])
	copy(f.Data[:], buf[offData:])
	copy(f.Nonce[:], buf[offNonce:])

	return f, nil
}

// Authenticator computes the frame MAC with key, over every field following
// the MAC.
func (f *Frame) Authenticator(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(f.Bytes()[offData:])
	return mac.Sum(nil)
}

// Sign sets the frame MAC.
func (f *Frame) Sign(key []byte) {
	copy(f.MAC[:], f.Authenticator(key))
}

// Authentic reports whether the frame MAC is valid under key.
func (f *Frame) Authentic(key []byte) bool {
	return hmac.Equal(f.MAC[:], f.Authenticator(key))
}
