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

// Package attest holds the attestation side of the root of trust: the events
// raised by the device challenge protocol, the event journal and the
// self-attestation responder.
package attest

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-rot/api"
	"github.com/transparency-dev/armored-witness-rot/internal/primitives"
)

// Result is the outcome of a device challenge.
type Result uint8

const (
	Passed Result = iota
	Failed
	Timeout
)

func (r Result) String() string {
	switch r {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// Event is raised by the challenge protocol once per device per boot cycle.
type Event struct {
	Device api.Device
	Result Result
}

func (e Event) String() string {
	return fmt.Sprintf("%s challenge %s", e.Device, e.Result)
}

// Transcript accumulates the messages of an exchange and hashes them in the
// order they were added.
type Transcript struct {
	Crypto primitives.Service
	Alg    primitives.HashAlg

	parts [][]byte
}

// Add appends messages to the transcript.
func (t *Transcript) Add(parts ...[]byte) {
	for _, p := range parts {
		t.parts = append(t.parts, append([]byte{}, p...))
	}
}

// Len returns the number of messages added.
func (t *Transcript) Len() int {
	return len(t.parts)
}

// Sum returns the digest of the messages added so far.
func (t *Transcript) Sum() []byte {
	return t.Crypto.Hash(t.Alg, t.parts...)
}
