package pulse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// ruleMapName is the replicated map carrying rule-change stamps. Every
// gateway node joins the same map; the operator API bumps a tenant's stamp on
// any rule mutation and each node invalidates its cache for that tenant.
const ruleMapName = "sluice:rule-changes"

const tenantKeyPrefix = "tenant:"

type (
	// changeMap is the subset of rmap.Map used by the rule feed.
	changeMap interface {
		Map() map[string]string
		Set(ctx context.Context, key, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(c <-chan rmap.EventKind)
	}

	rmapChangeMap struct {
		m *rmap.Map
	}

	// RuleFeed broadcasts rule-change notifications between gateway nodes
	// through a Pulse replicated map.
	RuleFeed struct {
		m      changeMap
		buffer int
	}
)

func (m *rmapChangeMap) Map() map[string]string { return m.m.Map() }
func (m *rmapChangeMap) Set(ctx context.Context, key, value string) (string, error) {
	return m.m.Set(ctx, key, value)
}
func (m *rmapChangeMap) Subscribe() <-chan rmap.EventKind    { return m.m.Subscribe() }
func (m *rmapChangeMap) Unsubscribe(c <-chan rmap.EventKind) { m.m.Unsubscribe(c) }

// JoinRuleFeed joins the shared rule-change map on the given Redis
// connection.
func JoinRuleFeed(ctx context.Context, rdb *redis.Client) (*RuleFeed, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	m, err := rmap.Join(ctx, ruleMapName, rdb)
	if err != nil {
		return nil, fmt.Errorf("join rule-change map: %w", err)
	}
	return newRuleFeed(&rmapChangeMap{m: m}), nil
}

func newRuleFeed(m changeMap) *RuleFeed {
	return &RuleFeed{m: m, buffer: 16}
}

// NotifyRuleChange stamps the tenant so every node watching the feed drops
// its cached rules for it.
func (f *RuleFeed) NotifyRuleChange(ctx context.Context, tenant string) error {
	if tenant == "" {
		return errors.New("tenant is required")
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if _, err := f.m.Set(ctx, tenantKeyPrefix+tenant, stamp); err != nil {
		return fmt.Errorf("stamp rule change for %q: %w", tenant, err)
	}
	return nil
}

// Watch returns a channel of tenant IDs whose rules changed. An empty tenant
// means the whole cache should be dropped. The channel closes when ctx is
// cancelled; feed it to rule.(*Cache).Watch.
func (f *RuleFeed) Watch(ctx context.Context) <-chan string {
	out := make(chan string, f.buffer)
	// Subscribe before returning so stamps written after Watch are never
	// missed.
	sub := f.m.Subscribe()
	known := f.m.Map()
	go func() {
		defer close(out)
		defer f.m.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case kind, ok := <-sub:
				if !ok {
					return
				}
				if kind == rmap.EventReset {
					known = f.m.Map()
					select {
					case out <- "":
					case <-ctx.Done():
						return
					}
					continue
				}
				current := f.m.Map()
				for key, stamp := range current {
					if known[key] == stamp {
						continue
					}
					tenant := strings.TrimPrefix(key, tenantKeyPrefix)
					select {
					case out <- tenant:
					case <-ctx.Done():
						return
					}
				}
				known = current
			}
		}
	}()
	return out
}
