// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package stageq

// RaceEnabled is true when the race detector is active.
// Tests use it to skip concurrent payload tests, which trigger false
// positives because slot fields are ordered through the ring cursors.
const RaceEnabled = true
