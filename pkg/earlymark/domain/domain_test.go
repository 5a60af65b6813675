package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAutonomyMode(t *testing.T) {
	tests := []struct {
		in   string
		want AutonomyMode
	}{
		{"EXECUTE", ModeExecute},
		{"execute", ModeExecute},
		{" ORGANIZE ", ModeOrganize},
		{"RECEPTIONIST", ModeReceptionist},
		{"FILTER", ModeReceptionist},
		{"", ModeReceptionist},
		{"bogus", ModeReceptionist},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAutonomyMode(tt.in))
		})
	}
}

func TestChannelValid(t *testing.T) {
	for _, c := range []Channel{ChannelChat, ChannelSMS, ChannelEmail, ChannelVoice} {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Channel("fax").Valid())
}

func TestWorkingHours(t *testing.T) {
	t.Run("nil settings use defaults", func(t *testing.T) {
		var s *WorkspaceSettings
		start, end := s.WorkingHours()
		assert.Equal(t, "08:00", start)
		assert.Equal(t, "17:00", end)
	})

	t.Run("configured hours win", func(t *testing.T) {
		s := &WorkspaceSettings{WorkingHoursStart: "07:30", WorkingHoursEnd: "15:00"}
		start, end := s.WorkingHours()
		assert.Equal(t, "07:30", start)
		assert.Equal(t, "15:00", end)
	})
}
