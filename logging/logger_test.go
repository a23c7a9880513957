// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		level   zapcore.Level
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig(), level: zapcore.InfoLevel},
		{name: "debug development", cfg: Config{Level: "debug", Development: true}, level: zapcore.DebugLevel},
		{name: "warn", cfg: Config{Level: "warn"}, level: zapcore.WarnLevel},
		{name: "invalid level", cfg: Config{Level: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.level))
			assert.False(t, l.Core().Enabled(tt.level-1))
		})
	}
}

func TestNewOrNop(t *testing.T) {
	l := NewOrNop(Config{Level: "loud"})
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zapcore.FatalLevel))
}
