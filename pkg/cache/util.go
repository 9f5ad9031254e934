package cache

import (
	"sort"
	"time"

	"github.com/mifka01/cache-server/pkg/peer"
)

func sortPeersByScore(peers []*peer.Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Score() < peers[j].Score() })
}

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
