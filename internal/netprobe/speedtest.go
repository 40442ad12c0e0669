package netprobe

import (
	"context"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	logx "questd/pkg/logx"
)

// SpeedtestProber declares the network up if a nearby speedtest.net server
// answers a latency test. Heavier than a dial probe but also verifies that
// real HTTP traffic flows, which matters behind captive portals.
type SpeedtestProber struct {
	// Candidates caps how many of the nearest servers are tried.
	Candidates int
	// Timeout bounds the whole probe.
	Timeout time.Duration

	log logx.Logger
}

func NewSpeedtestProber(log logx.Logger) *SpeedtestProber {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SpeedtestProber{Candidates: 3, Timeout: 15 * time.Second, log: log}
}

func (p *SpeedtestProber) Up(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	// Avoid package-level speedtest helpers; the library keeps package state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{SavingMode: true, MaxConnections: 1}))
	defer stc.Reset()

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		p.log.Debug("speedtest server list failed", logx.Err(err))
		return false
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return false
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })

	n := p.Candidates
	if n <= 0 || n > len(servers) {
		n = len(servers)
	}
	for _, s := range servers[:n] {
		if ctx.Err() != nil {
			return false
		}
		if err := s.PingTestContext(ctx, nil); err != nil {
			p.log.Debug("speedtest ping failed", logx.String("server", s.Host), logx.Err(err))
			continue
		}
		return true
	}
	return false
}
