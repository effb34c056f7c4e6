package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// beaconAPI scores public hive api nodes. We only use nodes with a
	// perfect score.
	beaconAPI = "https://beacon.peakd.com/api/nodes"

	// goodScore is the beacon score a node needs to be used.
	goodScore = 100

	// goodNodesKey is the redis key the node list is cached under.
	goodNodesKey = "good_nodes"

	// goodNodesTTL is how long a fetched node list stays cached.
	goodNodesTTL = time.Hour

	// goodNodesRefresh is the remaining ttl below which the list is
	// refetched ahead of expiry.
	goodNodesRefresh = 50 * time.Minute
)

// DefaultNodes is the fallback api node list, used when the beacon and
// the cache are both unavailable.
var DefaultNodes = []string{
	"https://api.hive.blog",
	"https://api.deathwing.me",
	"https://hive-api.arcange.eu",
	"https://api.openhive.network",
	"https://techcoderx.com",
	"https://api.c0ff33a.uk",
	"https://hive-api.3speak.tv",
	"https://hiveapi.actifit.io",
	"https://rpc.mahdiyari.info",
	"https://api.syncad.com",
}

// NodeSource serves the list of healthy hive api nodes, refreshed from
// the beacon and cached in redis so that every process shares one
// fetch per ttl window.
type NodeSource struct {
	rdb *redis.Client

	// fetch queries the beacon. It is set within the struct so that it
	// can be mocked for testing.
	fetch func(ctx context.Context) ([]string, error)
}

// NewNodeSource returns a node source backed by the given redis client.
// A nil client disables caching and every call hits the beacon.
func NewNodeSource(rdb *redis.Client) *NodeSource {
	return &NodeSource{
		rdb:   rdb,
		fetch: fetchGoodNodes,
	}
}

// GoodNodes returns the current healthy node list. It never fails:
// when the beacon is unreachable it falls back to the last cached list
// and then to the defaults.
func (n *NodeSource) GoodNodes(ctx context.Context) []string {
	cached := n.cached(ctx)
	if cached != nil {
		return cached
	}

	nodes, err := n.fetch(ctx)
	if err != nil {
		log.Warnf("Could not fetch good nodes: %v, falling back", err)

		if stale := n.stale(ctx); stale != nil {
			return stale
		}

		return DefaultNodes
	}

	n.store(ctx, nodes)

	return nodes
}

// cached returns the cached list while its remaining ttl is above the
// refresh threshold, nil otherwise.
func (n *NodeSource) cached(ctx context.Context) []string {
	if n.rdb == nil {
		return nil
	}

	ttl, err := n.rdb.TTL(ctx, goodNodesKey).Result()
	if err != nil || ttl < goodNodesRefresh {
		return nil
	}

	return n.stale(ctx)
}

// stale returns whatever list is cached, regardless of its age.
func (n *NodeSource) stale(ctx context.Context) []string {
	if n.rdb == nil {
		return nil
	}

	raw, err := n.rdb.Get(ctx, goodNodesKey).Result()
	if err != nil {
		return nil
	}

	var nodes []string
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		return nil
	}

	if len(nodes) == 0 {
		return nil
	}

	return nodes
}

// store caches a fetched node list.
func (n *NodeSource) store(ctx context.Context, nodes []string) {
	if n.rdb == nil {
		return
	}

	raw, err := json.Marshal(nodes)
	if err != nil {
		return
	}

	err = n.rdb.Set(ctx, goodNodesKey, raw, goodNodesTTL).Err()
	if err != nil {
		log.Warnf("Could not cache good nodes: %v", err)
	}
}

// beaconNode is one entry of the beacon's node report.
type beaconNode struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Score    int    `json:"score"`
}

// fetchGoodNodes queries the beacon and keeps the nodes with a perfect
// score.
func fetchGoodNodes(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, beaconAPI, nil,
	)
	if err != nil {
		return nil, err
	}

	// #nosec G107
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("beacon status: %v",
			response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	return parseBeaconData(data)
}

// parseBeaconData extracts the endpoints with a perfect score from a
// beacon response.
func parseBeaconData(data []byte) ([]string, error) {
	var report []beaconNode
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}

	var nodes []string
	for _, node := range report {
		if node.Score == goodScore {
			nodes = append(nodes, node.Endpoint)
		}
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("beacon reports no healthy nodes")
	}

	return nodes, nil
}

// Shuffle returns a shuffled copy of a node list so that clients spread
// their load across the healthy nodes.
func Shuffle(nodes []string) []string {
	shuffled := make([]string, len(nodes))
	copy(shuffled, nodes)

	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled
}
