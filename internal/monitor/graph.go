package monitor

import (
	"sort"
	"sync"
	"time"
)

// NewLinkCallback 新链接回调
type NewLinkCallback func(src, link, dst string)

// LinkAttr 链接属性，按流量累加
type LinkAttr struct {
	Frames        uint64    `json:"frames"`
	Encrypted     uint64    `json:"encrypted"`
	Authenticated uint64    `json:"authenticated"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

func (a *LinkAttr) merge(o *LinkAttr) {
	a.Frames += o.Frames
	a.Encrypted += o.Encrypted
	a.Authenticated += o.Authenticated
	if a.LastSeenAt.Before(o.LastSeenAt) {
		a.LastSeenAt = o.LastSeenAt
	}
}

// graphLink 同一链接类型到其他节点的端点
type graphLink struct {
	ends map[string]*LinkAttr
}

// graphNode 每个节点有入链接和出链接
type graphNode struct {
	ins  map[string]*graphLink
	outs map[string]*graphLink
}

func newGraphNode() *graphNode {
	return &graphNode{
		ins:  make(map[string]*graphLink),
		outs: make(map[string]*graphLink),
	}
}

// Graph 总线流量拓扑图
// 节点是发送方与接收控制器，链接类型是仲裁ID
type Graph struct {
	mutex     sync.RWMutex
	nodes     map[string]*graphNode
	cbNewLink NewLinkCallback
}

// NewGraph 创建新图
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*graphNode),
	}
}

// RegisterNewLinkHook 注册新链接钩子
func (g *Graph) RegisterNewLinkHook(cb NewLinkCallback) {
	g.cbNewLink = cb
}

// AddLink 添加链接，已存在的链接累加属性
// 出链接与入链接共享同一个属性对象
func (g *Graph) AddLink(src, link, dst string, attr *LinkAttr) {
	g.mutex.Lock()

	s, ok := g.nodes[src]
	if !ok {
		s = newGraphNode()
		g.nodes[src] = s
	}
	d, ok := g.nodes[dst]
	if !ok {
		d = newGraphNode()
		g.nodes[dst] = d
	}

	out, ok := s.outs[link]
	if !ok {
		out = &graphLink{ends: make(map[string]*LinkAttr)}
		s.outs[link] = out
	}
	in, ok := d.ins[link]
	if !ok {
		in = &graphLink{ends: make(map[string]*LinkAttr)}
		d.ins[link] = in
	}

	newlink := false
	if existing, ok := out.ends[dst]; ok {
		existing.merge(attr)
	} else {
		a := *attr
		out.ends[dst] = &a
		in.ends[src] = &a
		newlink = true
	}
	cb := g.cbNewLink
	g.mutex.Unlock()

	if newlink && cb != nil {
		cb(src, link, dst)
	}
}

// Link 拓扑图中的一条边
type Link struct {
	Source string `json:"source"`
	Link   string `json:"link"`
	Target string `json:"target"`
	LinkAttr
}

// View 拓扑图快照
type View struct {
	Nodes []string `json:"nodes"`
	Links []Link   `json:"links"`
}

// View 返回拓扑图快照，边按源、链接、目标排序
func (g *Graph) View() View {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	view := View{
		Nodes: make([]string, 0, len(g.nodes)),
		Links: make([]Link, 0),
	}
	for name, n := range g.nodes {
		view.Nodes = append(view.Nodes, name)
		for link, gl := range n.outs {
			for dst, attr := range gl.ends {
				view.Links = append(view.Links, Link{
					Source:   name,
					Link:     link,
					Target:   dst,
					LinkAttr: *attr,
				})
			}
		}
	}
	sort.Strings(view.Nodes)
	sort.Slice(view.Links, func(i, j int) bool {
		a, b := view.Links[i], view.Links[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Link != b.Link {
			return a.Link < b.Link
		}
		return a.Target < b.Target
	})
	return view
}
