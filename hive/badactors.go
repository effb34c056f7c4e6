package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// badActorsURL is the wallet project's maintained list of phishing
	// and scam accounts.
	badActorsURL = "https://gitlab.syncad.com/hive/wallet/-/raw/master/" +
		"src/app/utils/BadActorList.js?ref_type=heads"

	// badActorsKey is the redis key the list is cached under.
	badActorsKey = "bad_actors"

	// badActorsTTL is how long a fetched list stays cached.
	badActorsTTL = time.Hour
)

// BadActorSource serves the list of known scam accounts. Transfers
// from listed accounts are stored but never acted on.
type BadActorSource struct {
	rdb *redis.Client

	// extra holds operator supplied additions to the published list.
	extra []string

	// fetch retrieves the published list. It is set within the struct
	// so that it can be mocked for testing.
	fetch func(ctx context.Context) ([]string, error)
}

// NewBadActorSource returns a bad actor source backed by the given
// redis client amended with the extra account names. A nil client
// disables caching.
func NewBadActorSource(rdb *redis.Client, extra []string) *BadActorSource {
	return &BadActorSource{
		rdb:   rdb,
		extra: extra,
		fetch: fetchBadActors,
	}
}

// IsBadActor reports whether the account is on the list.
func (b *BadActorSource) IsBadActor(ctx context.Context,
	account string) bool {

	for _, name := range b.List(ctx) {
		if name == account {
			return true
		}
	}

	return false
}

// List returns the merged bad actor list. It never fails: when the
// published list is unreachable and nothing is cached, only the
// operator supplied names are returned.
func (b *BadActorSource) List(ctx context.Context) []string {
	if cached := b.cached(ctx); cached != nil {
		return merge(cached, b.extra)
	}

	fetched, err := b.fetch(ctx)
	if err != nil {
		log.Warnf("Could not fetch bad actor list: %v", err)
		return merge(nil, b.extra)
	}

	b.store(ctx, fetched)

	return merge(fetched, b.extra)
}

// cached returns the cached list, nil on a miss.
func (b *BadActorSource) cached(ctx context.Context) []string {
	if b.rdb == nil {
		return nil
	}

	raw, err := b.rdb.Get(ctx, badActorsKey).Result()
	if err != nil {
		return nil
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}

	return names
}

// store caches a fetched list.
func (b *BadActorSource) store(ctx context.Context, names []string) {
	if b.rdb == nil {
		return
	}

	raw, err := json.Marshal(names)
	if err != nil {
		return
	}

	err = b.rdb.Set(ctx, badActorsKey, raw, badActorsTTL).Err()
	if err != nil {
		log.Warnf("Could not cache bad actor list: %v", err)
	}
}

// merge unions two name lists, sorted for deterministic output.
func merge(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, name := range a {
		set[name] = struct{}{}
	}
	for _, name := range b {
		set[name] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for name := range set {
		merged = append(merged, name)
	}
	sort.Strings(merged)

	return merged
}

// fetchBadActors retrieves the published list. The source file is
// javascript holding one account name per line inside a template
// literal.
func fetchBadActors(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, badActorsURL, nil,
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
		return nil, fmt.Errorf("bad actor list status: %v",
			response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	return parseBadActors(string(data))
}

// parseBadActors extracts the account names from the javascript
// source.
func parseBadActors(content string) ([]string, error) {
	start := strings.Index(content, "`")
	end := strings.LastIndex(content, "`")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("could not find list boundaries")
	}

	var names []string
	for _, line := range strings.Split(content[start+1:end], "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}

	return names, nil
}
