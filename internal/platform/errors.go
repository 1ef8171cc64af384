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

package platform

import (
	"errors"
	"fmt"
)

// HaltError reports an internal invariant violation, or a failure of the
// key and version store, which stops the control loop until the next
// platform reset.
type HaltError struct {
	Err error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("platform halted: %v", e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// halt wraps err in a HaltError unless it already is one.
func halt(err error) error {
	if err == nil {
		return nil
	}

	var h *HaltError
	if errors.As(err, &h) {
		return err
	}

	return &HaltError{Err: err}
}
