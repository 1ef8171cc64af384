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
	"crypto/rand"
	"errors"
	"fmt"
)

// exchange options
type exchange struct {
	// sign the request with the partition key
	sign bool
	// verify the response MAC
	verify bool
	// set a random request nonce, echoed by the card
	nonce bool
	// fetch the response with a result read request
	result bool
}

// do sends req and returns the validated response.
func (p *RPMB) do(req *Frame, x exchange) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if x.nonce {
		if _, err := rand.Read(req.Nonce[:]); err != nil {
			return nil, err
		}
	}

	if x.sign {
		req.Sign(p.key[:])
	}

	if err := p.card.WriteRPMB(req.Bytes(), req.Type.reliable()); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Type, err)
	}

	if x.result {
		rr := &Frame{Type: ResultRead}

		if err := p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return nil, fmt.Errorf("%s: %w", ResultRead, err)
		}
	}

	buf := make([]byte, FrameLength)

	if err := p.card.ReadRPMB(buf); err != nil {
		return nil, fmt.Errorf("%s response: %w", req.Type, err)
	}

	res, err := ParseFrame(buf)
	if err != nil {
		return nil, err
	}

	switch {
	case x.verify && !res.Authentic(p.key[:]):
		return nil, fmt.Errorf("%s: %w", req.Type, ErrResponseMAC)
	case res.Type != req.Type.Response():
		return nil, fmt.Errorf("%s: unexpected response type %#04x", req.Type, uint16(res.Type))
	case res.Nonce != req.Nonce:
		return nil, fmt.Errorf("%s: nonce mismatch", req.Type)
	case res.Result != OK:
		return nil, &OperationError{Op: req.Type, Result: res.Result}
	}

	return res, nil
}

// ErrResponseMAC is returned when a response fails authentication.
var ErrResponseMAC = errors.New("invalid response MAC")
