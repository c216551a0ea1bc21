package sampler

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
)

func exchanges(n int) []protocol.Exchange {
	out := make([]protocol.Exchange, n)
	for i := range out {
		out[i] = protocol.Exchange{
			Protocol:  packet.HTTP,
			Operation: "GET /" + strconv.Itoa(i%7),
			Status:    "200",
		}
	}
	return out
}

func TestDeterministicGivenInputSequence(t *testing.T) {
	s1 := New(packet.HTTP, nil, time.Unix(0, 0), 0.5)
	s2 := New(packet.HTTP, nil, time.Unix(0, 0), 0.5)

	for _, ex := range exchanges(200) {
		assert.Equal(t, s1.Decide(ex), s2.Decide(ex))
	}
}

func TestRateOneIncludesAll(t *testing.T) {
	s := New(packet.HTTP, nil, time.Unix(0, 0), 1.0)
	for _, ex := range exchanges(50) {
		assert.True(t, s.Decide(ex))
	}
}

func TestRateZeroExcludesAll(t *testing.T) {
	s := New(packet.HTTP, nil, time.Unix(0, 0), 0.0)
	for _, ex := range exchanges(50) {
		assert.False(t, s.Decide(ex))
	}
}

func TestFilterOverridesRate(t *testing.T) {
	alwaysErrors := func(p packet.L7Protocol, status string) bool {
		return status != "" && status[0] == '5'
	}
	s := New(packet.HTTP, alwaysErrors, time.Unix(0, 0), 0.0)

	assert.False(t, s.Decide(protocol.Exchange{Protocol: packet.HTTP, Operation: "GET /a", Status: "200"}))
	assert.True(t, s.Decide(protocol.Exchange{Protocol: packet.HTTP, Operation: "GET /a", Status: "500"}))
}

func TestPartialRateIncludesSome(t *testing.T) {
	s := New(packet.HTTP, nil, time.Unix(0, 0), 0.5)
	included := 0
	for _, ex := range exchanges(1000) {
		if s.Decide(ex) {
			included++
		}
	}
	// Hash-based coin flip at 0.5 should land well away from both extremes.
	assert.Greater(t, included, 300)
	assert.Less(t, included, 700)
}
