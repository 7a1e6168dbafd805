package monitor

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bwu32/canbus/internal/canbus"
)

// Topology 聚合器与拓扑图的组合
type Topology struct {
	*Aggregator
	graph *Graph
}

// NewTopology 创建拓扑监控，聚合结果写入拓扑图
func NewTopology(interval time.Duration, maxFlows int) *Topology {
	t := &Topology{
		Aggregator: NewAggregator(interval, maxFlows),
		graph:      NewGraph(),
	}
	t.graph.RegisterNewLinkHook(func(src, link, dst string) {
		log.WithFields(log.Fields{
			"src": src, "link": link, "dst": dst,
		}).Debug("New traffic link")
	})
	t.SetOnFlows(t.addFlows)
	return t
}

func (t *Topology) addFlows(flows []*Flow) {
	for _, f := range flows {
		t.graph.AddLink(f.Source, f.Link(), f.Destination, &LinkAttr{
			Frames:        f.Frames,
			Encrypted:     f.Encrypted,
			Authenticated: f.Authenticated,
			LastSeenAt:    f.LastSeenAt,
		})
		if f.Source == canbus.SourceAttacker {
			log.WithFields(log.Fields{
				"dst":    f.Destination,
				"arb_id": f.ArbitrationID,
				"system": canbus.SystemName(f.ArbitrationID),
				"frames": f.Frames,
			}).Debug("Attacker traffic delivered")
		}
	}
}

// View 拓扑图快照
func (t *Topology) View() View {
	return t.graph.View()
}
