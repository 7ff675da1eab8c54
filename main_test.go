package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRunReturnsErrors(t *testing.T) {
	saved := flags
	defer func() { flags = saved }()

	tests := []struct {
		name  string
		setup func()
		err   string
	}{
		{"missing local address", func() {
			flags.Local = ""
		}, "no local address"},
		{"unknown path policy", func() {
			flags.Local = "1-ff00:0:110,[127.0.0.1]:0"
			flags.PathPolicy = "fastest"
		}, "unknown path selection policy"},
		{"negative path count", func() {
			flags.Local = "1-ff00:0:110,[127.0.0.1]:0"
			flags.NumPaths = -1
		}, "numPaths"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags = saved
			tt.setup()
			err := run()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.err)
			}
		})
	}
}

func TestSetLogging(t *testing.T) {
	saved := log.GetLevel()
	defer log.SetLevel(saved)

	setLogging("DEBUG")
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	setLogging("unknown")
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	setLogging("WARN")
	assert.Equal(t, log.WarnLevel, log.GetLevel())
}
