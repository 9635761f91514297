// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rendezvous is the Key Rendezvous (spec §4.4): a thread-safe U/V
// half-key combiner with write-once publication and no-lost-wakeup
// signaling.
package rendezvous

import (
	"context"
	"sync"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
)

type uHalf struct {
	bytes      []byte
	authTag    []byte
	ciphertext []byte
}

// Rendezvous holds ukeys/vkeys, the one-shot symmetric key cell, and the
// condition signaling its publication. One instance per process.
type Rendezvous struct {
	mu   sync.Mutex
	cond *sync.Cond

	agentUUID string

	ukeys map[string]uHalf
	vkeys map[string][]byte

	ciphertext []byte
	symmKey    []byte // nil until published; write-once
}

// New creates an empty Rendezvous for the given agent UUID (used as the
// HMAC message for auth tag verification).
func New(agentUUID string) *Rendezvous {
	r := &Rendezvous{
		agentUUID: agentUUID,
		ukeys:     make(map[string]uHalf),
		vkeys:     make(map[string][]byte),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// PutU stores the U-half for uuid along with its claimed auth tag and the
// encrypted payload (first writer wins for the ciphertext), then attempts
// to combine (spec §4.4).
func (r *Rendezvous) PutU(uuid string, u, authTag, ciphertext []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ciphertext == nil {
		r.ciphertext = ciphertext
	}
	r.ukeys[uuid] = uHalf{bytes: u, authTag: authTag, ciphertext: ciphertext}
	r.combineLocked()
}

// PutV stores the V-half for uuid and attempts to combine.
func (r *Rendezvous) PutV(uuid string, v []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vkeys[uuid] = v
	r.combineLocked()
}

// combineLocked must be called with mu held. For each uuid present in
// both maps, it XORs the halves, HMACs the candidate, and constant-time
// compares against the claimed auth tag. The first match publishes the
// cell, signals, and clears both maps; non-matching pairs are left for a
// possible rotation (spec §4.4).
func (r *Rendezvous) combineLocked() {
	if r.symmKey != nil {
		return
	}

	for uuid, u := range r.ukeys {
		v, ok := r.vkeys[uuid]
		if !ok {
			continue
		}
		candidate := xorBytes(u.bytes, v)
		expected := cryptoutil.ComputeHMAC(candidate, []byte(r.agentUUID))
		if !cryptoutil.ConstantTimeEqual(expected, u.authTag) {
			continue
		}

		r.symmKey = candidate
		r.ukeys = make(map[string]uHalf)
		r.vkeys = make(map[string][]byte)
		r.cond.Broadcast()
		return
	}
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Ciphertext returns the stored encrypted payload, or nil if none has
// arrived yet.
func (r *Rendezvous) Ciphertext() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ciphertext
}

// WaitForKey blocks until the symmetric key is published or ctx is
// canceled. It never misses a wakeup: PutU/PutV always hold the same
// mutex while publishing and signaling.
func (r *Rendezvous) WaitForKey(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for r.symmKey == nil {
			select {
			case <-ctx.Done():
				r.mu.Unlock()
				return
			default:
			}
			r.cond.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		r.mu.Lock()
		key := r.symmKey
		r.mu.Unlock()
		return key, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.cond.Broadcast() // wake the parked goroutine so it can observe ctx.Done and exit
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Verify returns HMAC(symm_key, challenge) once the key is published;
// before that it returns a NotReady error (spec §4.4).
func (r *Rendezvous) Verify(challenge []byte) ([]byte, error) {
	r.mu.Lock()
	key := r.symmKey
	r.mu.Unlock()

	if key == nil {
		return nil, agenterr.New(agenterr.KindNotReady, "no key/quote available yet")
	}
	return cryptoutil.ComputeHMACRaw(key, challenge), nil
}

// Ready reports whether the symmetric key has been published.
func (r *Rendezvous) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symmKey != nil
}
