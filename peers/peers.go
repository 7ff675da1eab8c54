package peers

import (
	"sort"
	"strings"
)

// A Peer is a remote endpoint plus the fingerprints of the paths
// usable to reach it. Paths is filled once a transport connection exists.
type Peer struct {
	Addr  string
	Paths []string
}

// ParseList splits a comma separated list of peer addresses. SCION
// addresses contain commas themselves ("1-ff00:0:110,[10.0.0.1]:4000"),
// so an element that does not end in a port is glued to the next one.
func ParseList(s string) []Peer {
	res := make([]Peer, 0)
	var cur string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if cur != "" {
			cur += "," + part
		} else {
			cur = part
		}
		if strings.Contains(cur, "]:") || (!strings.Contains(cur, "[") && strings.Count(cur, ":") == 1) {
			res = append(res, Peer{Addr: cur})
			cur = ""
		}
	}
	if cur != "" {
		res = append(res, Peer{Addr: cur})
	}
	return res
}

// PeerSet is the set of known peers of one torrent keyed by address.
// It is not safe for concurrent use; its owner serializes access.
type PeerSet struct {
	peers map[string]*Peer
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: map[string]*Peer{}}
}

// Add returns false if the address is already known
func (s *PeerSet) Add(addr string) bool {
	if _, ok := s.peers[addr]; ok {
		return false
	}
	s.peers[addr] = &Peer{Addr: addr}
	return true
}

func (s *PeerSet) Get(addr string) (*Peer, bool) {
	p, ok := s.peers[addr]
	return p, ok
}

func (s *PeerSet) SetPaths(addr string, paths []string) {
	if p, ok := s.peers[addr]; ok {
		p.Paths = paths
	}
}

func (s *PeerSet) Remove(addr string) {
	delete(s.peers, addr)
}

func (s *PeerSet) Len() int {
	return len(s.peers)
}

// List returns the peers ordered by address
func (s *PeerSet) List() []Peer {
	res := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		res = append(res, *p)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Addr < res[j].Addr
	})
	return res
}
