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

package capsule

import (
	"encoding/binary"
)

const (
	// LogicTag identifies a reconfigurable logic image capsule.
	LogicTag = 0x4c474943

	logicHeaderLength = 16
)

// Logic is a decoded logic image capsule.
type Logic struct {
	SVN   uint32
	Image []byte
}

// ParseLogic decodes the protected content of a logic image capsule.
func ParseLogic(content []byte) (*Logic, error) {
	if len(content) < logicHeaderLength {
		return nil, formatErr("short logic header")
	}

	if tag := binary.LittleEndian.Uint32(content); tag != LogicTag {
		return nil, formatErr("bad logic tag %#x", tag)
	}

	l := &Logic{SVN: binary.LittleEndian.Uint32(content[4:])}
	n := binary.LittleEndian.Uint32(content[8:])

	if uint64(n) > uint64(len(content)-logicHeaderLength) {
		return nil, formatErr("logic image length %d exceeds capsule", n)
	}

	l.Image = content[logicHeaderLength : logicHeaderLength+n]

	return l, nil
}

// LogicSVN returns the security version declared by logic image capsule
// content.
func LogicSVN(content []byte) (uint32, error) {
	l, err := ParseLogic(content)
	if err != nil {
		return 0, err
	}
	return l.SVN, nil
}

// MarshalLogic encodes the protected content of a logic image capsule.
func MarshalLogic(l *Logic) []byte {
	b := make([]byte, logicHeaderLength, logicHeaderLength+len(l.Image))
	binary.LittleEndian.PutUint32(b[0:], LogicTag)
	binary.LittleEndian.PutUint32(b[4:], l.SVN)
	binary.LittleEndian.PutUint32(b[8:], uint32(len(l.Image)))
	return append(b, l.Image...)
}
