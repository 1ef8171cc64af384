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
	"errors"
	"fmt"
	"sync"
)

// Emulator is an in-memory RPMB partition implementing the card side of the
// protocol, it is used by the simulator and in tests.
type Emulator struct {
	mu sync.Mutex

	key     []byte
	counter uint32
	sectors uint16
	data    map[uint16][SectorSize]byte
	// pending is the response to the last request.
	pending *Frame
}

// NewEmulator returns a partition of the given number of sectors, without
// a programmed key.
func NewEmulator(sectors uint16) *Emulator {
	return &Emulator{
		sectors: sectors,
		data:    make(map[uint16][SectorSize]byte),
	}
}

// WriteCounter returns the number of authenticated writes performed.
func (e *Emulator) WriteCounter() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.counter
}

// handle returns the result of req, filling in the response fields.
func (e *Emulator) handle(req, res *Frame) Result {
	if req.Type == KeyProgramming {
		if e.key != nil {
			return GeneralFailure
		}
		e.key = append([]byte{}, req.MAC[:]...)
		return OK
	}

	if e.key == nil {
		return KeyNotProgrammed
	}

	switch req.Type {
	case CounterRead:
		return OK

	case DataWrite:
		switch {
		case !req.Authentic(e.key):
			return AuthenticationFailure
		case req.Counter != e.counter:
			return CounterFailure
		case req.Address >= e.sectors:
			return AddressFailure
		}

		e.data[req.Address] = req.Data
		e.counter++

	case DataRead:
		if req.Address >= e.sectors {
			return AddressFailure
		}
		res.Data = e.data[req.Address]
		res.Count = req.Count
	}

	return OK
}

func (e *Emulator) WriteRPMB(buf []byte, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := ParseFrame(buf)
	if err != nil {
		return err
	}

	switch req.Type {
	case ResultRead:
		// the response to the preceding write stays pending
		if e.pending == nil {
			return errors.New("no pending result")
		}
		return nil
	case KeyProgramming, CounterRead, DataWrite, DataRead:
	default:
		return fmt.Errorf("unsupported request %s", req.Type)
	}

	res := &Frame{
		Type:    req.Type.Response(),
		Address: req.Address,
	}

	if req.Type != DataWrite {
		res.Nonce = req.Nonce
	}

	res.Result = e.handle(req, res)
	res.Counter = e.counter

	if e.key != nil {
		res.Sign(e.key)
	}

	e.pending = res

	return nil
}

func (e *Emulator) ReadRPMB(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return errors.New("no pending response")
	}

	if len(buf) != FrameLength {
		return fmt.Errorf("invalid frame length %d", len(buf))
	}

	copy(buf, e.pending.Bytes())

	return nil
}
