// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stageq

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// For TryAcquire and TryOffer it means the ring is full: every slot but the
// reserved one is still owned by a producer or an unfinished stage.
//
// ErrWouldBlock is a control flow signal, not a failure. The caller should
// retry later, switch to the blocking Offer, or shed the item.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrClosed is returned by producer operations after Close or Shutdown.
var ErrClosed = errors.New("stageq: pipeline closed")

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil and for semantic signals such as ErrWouldBlock.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}

// ProcessorError records one item that a stage failed to process.
// The stage has already moved past the item when the error is observed.
type ProcessorError struct {
	Stage string
	Seq   uint64
	Err   error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("stageq: stage %s failed at seq %d: %v", e.Stage, e.Seq, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking processor or task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stageq: panic: %v", e.Value)
}

// Unwrap returns the recovered value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
