package zscope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalID(t *testing.T) {
	cases := map[string]int32{
		"":                             757602046,
		"a":                            -842352707,
		"Connect":                      65055356,
		"CreateMatch":                  -600206949,
		"GetOnlinePlayerCount":         -1173403431,
		"ResponseGetOnlinePlayerCount": -1374218168,
		"Lobby":                        -382972742,
		"日本":                           -1538899123,
	}
	for name, want := range cases {
		assert.Equal(t, want, SignalID(name), "SignalID(%q)", name)
	}
}

func TestSignalIDDeterministic(t *testing.T) {
	for _, name := range []string{"EnterScope", "SwitchScope", "x", "ab", "abc"} {
		first := SignalID(name)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, SignalID(name))
		}
	}
	assert.NotEqual(t, SignalID("ab"), SignalID("ba"))
}

func TestResponseSignal(t *testing.T) {
	assert.Equal(t, "ResponseGetOnlinePlayerCount", ResponseSignalName("GetOnlinePlayerCount"))
	assert.Equal(t, SignalID("ResponseGetOnlinePlayerCount"), ResponseSignalID("GetOnlinePlayerCount"))
}
