package pcapadapter

import (
	"testing"

	"github.com/observeflow/netobserve-core/packet"
)

func TestClassifyPrefersServerPort(t *testing.T) {
	cases := []struct {
		name     string
		srcPort  uint16
		dstPort  uint16
		expected packet.L7Protocol
	}{
		{"client to http server", 54321, 80, packet.HTTP},
		{"http server to client", 80, 54321, packet.HTTP},
		{"client to dns server", 54321, 53, packet.DNS},
		{"client to mysql server", 54321, 3306, packet.MySQL},
		{"no match", 54321, 12345, packet.None},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classify(c.srcPort, c.dstPort)
			if got != c.expected {
				t.Errorf("classify(%d, %d) = %v, want %v", c.srcPort, c.dstPort, got, c.expected)
			}
		})
	}
}
