package capture

import (
	"fmt"

	"github.com/tapline-labs/tapline/internal/domain"
)

// Leg is one capture process: a runner crossed with an address family,
// filtered to that runner's expected source range.
type Leg struct {
	Runner domain.Runner
	Family domain.AddressFamily
	Filter string
}

// Legs expands the selected runners into the capture matrix. Mirrored
// frames from every runner share the same subnets, so the filters only
// differ by family.
func Legs(runners []domain.Runner, subnet4, subnet6 string) []Leg {
	legs := make([]Leg, 0, len(runners)*2)
	for _, runner := range runners {
		legs = append(legs,
			Leg{
				Runner: runner,
				Family: domain.FamilyIPv4,
				Filter: fmt.Sprintf("src net %s and tcp", subnet4),
			},
			Leg{
				Runner: runner,
				Family: domain.FamilyIPv6,
				Filter: fmt.Sprintf("ip6 and src net %s and tcp", subnet6),
			},
		)
	}
	return legs
}

func (l Leg) key() string {
	return string(l.Runner) + "-" + string(l.Family)
}

// PcapPath is the on-disk staging location for a leg's raw capture.
func PcapPath(dir, runID string, leg Leg) string {
	return fmt.Sprintf("%s/%s-%s.pcap", dir, runID, leg.key())
}
