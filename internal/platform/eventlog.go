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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-rot/api"
)

// recordPanic increments the persistent panic counter.
func (p *Platform) recordPanic(r api.PanicReason) error {
	l := p.log
	l.PanicCount++
	l.LastPanic = uint8(r)

	if err := p.hw.Keys.SetEventLog(l); err != nil {
		return fmt.Errorf("recording panic %q: %w", r, err)
	}

	p.log = l

	klog.Warningf("panic: %s", r)
	p.metrics.panics.WithLabelValues(r.String()).Inc()
	p.appendJournal(fmt.Sprintf("panic %d %s", l.PanicCount, r))

	return nil
}

// recordRecovery increments the persistent recovery counter.
func (p *Platform) recordRecovery(r api.RecoveryReason) error {
	l := p.log
	l.RecoveryCount++
	l.LastRecovery = uint8(r)

	if err := p.hw.Keys.SetEventLog(l); err != nil {
		return fmt.Errorf("recording recovery %q: %w", r, err)
	}

	p.log = l

	klog.Warningf("recovery: %s", r)
	p.metrics.recoveries.WithLabelValues(r.String()).Inc()
	p.appendJournal(fmt.Sprintf("recovery %d %s", l.RecoveryCount, r))

	return nil
}

func (p *Platform) setError(major api.MajorError, minor api.MinorError) {
	p.major, p.minor = major, minor
	klog.V(1).Infof("error code %s / %s", major, minor)
}

func (p *Platform) appendJournal(entry string) {
	if _, err := p.journal.Append(entry); err != nil {
		klog.Errorf("journal: %v", err)
	}
}
