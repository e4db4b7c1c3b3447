// Source bridges the raw etcd KV client to the config.Event stream the
// applier (K) consumes: an initial full range scan followed by
// concurrent prefix watches, matching the shape of
// original_source/gateway/src/config/etcd.rs's compute_prefixes /
// initial_load / watch_once functions.
package etcd

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"hermes/internal/config"
	"hermes/internal/telemetry/logging"
)

// Prefixes names the three KV prefixes the source watches.
type Prefixes struct {
	DomainPrefix    string
	ClusterPrefix   string
	MetaRevisionKey string
}

// Source drives one logical config feed over an etcd client.
type Source struct {
	client *Client
	prefix Prefixes
	log    logging.Logger
}

// NewSource builds a source over an already-connected client.
func NewSource(client *Client, prefix Prefixes, log logging.Logger) *Source {
	return &Source{client: client, prefix: prefix, log: log}
}

// InitialLoad range-scans both prefixes once and emits one Event per
// decoded cluster, then one per decoded domain, then a final
// MetaRevision event, in that order, onto out. It does not close out.
func (s *Source) InitialLoad(ctx context.Context, out chan<- config.Event) (revision int64, err error) {
	clusterResult, err := s.client.Range(ctx, RangeRequest{
		Key:      []byte(s.prefix.ClusterPrefix + "/"),
		RangeEnd: PrefixRangeEnd([]byte(s.prefix.ClusterPrefix + "/")),
	})
	if err != nil {
		return 0, err
	}
	for _, kv := range clusterResult.Kvs {
		s.emitClusterKV(kv, out)
	}

	domainResult, err := s.client.Range(ctx, RangeRequest{
		Key:      []byte(s.prefix.DomainPrefix + "/"),
		RangeEnd: PrefixRangeEnd([]byte(s.prefix.DomainPrefix + "/")),
	})
	if err != nil {
		return 0, err
	}
	for _, kv := range domainResult.Kvs {
		s.emitDomainKV(kv, out)
	}

	revision = clusterResult.Revision
	if domainResult.Revision > revision {
		revision = domainResult.Revision
	}

	metaResult, err := s.client.Range(ctx, RangeRequest{Key: []byte(s.prefix.MetaRevisionKey)})
	if err == nil && len(metaResult.Kvs) == 1 {
		var metaRev int64
		if jerr := json.Unmarshal(metaResult.Kvs[0].Value, &metaRev); jerr == nil {
			out <- config.MetaRevision(metaRev)
			return revision, nil
		}
	}
	out <- config.MetaRevision(revision)
	return revision, nil
}

// WatchOnce opens three concurrent prefix watches (domain, cluster,
// meta) starting from startRevision and forwards decoded events to out
// until ctx is done or any one watch ends. It does not reconnect; the
// caller owns the retry loop (spec §7 "recovered locally").
func (s *Source) WatchOnce(ctx context.Context, startRevision int64, out chan<- config.Event) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clusterEvents, clusterErrs := s.client.Watch(watchCtx, []byte(s.prefix.ClusterPrefix+"/"), PrefixRangeEnd([]byte(s.prefix.ClusterPrefix+"/")), startRevision)
	domainEvents, domainErrs := s.client.Watch(watchCtx, []byte(s.prefix.DomainPrefix+"/"), PrefixRangeEnd([]byte(s.prefix.DomainPrefix+"/")), startRevision)
	metaEvents, metaErrs := s.client.Watch(watchCtx, []byte(s.prefix.MetaRevisionKey), nil, startRevision)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-clusterEvents:
			if !ok {
				return
			}
			s.emitClusterWatchEvent(ev, out)
		case ev, ok := <-domainEvents:
			if !ok {
				return
			}
			s.emitDomainWatchEvent(ev, out)
		case ev, ok := <-metaEvents:
			if !ok {
				return
			}
			s.emitMetaWatchEvent(ev, out)
		case err, ok := <-clusterErrs:
			if ok && err != nil {
				s.log.WarnCtx(ctx, "config watch: cluster stream error", "error", err)
			}
			return
		case err, ok := <-domainErrs:
			if ok && err != nil {
				s.log.WarnCtx(ctx, "config watch: domain stream error", "error", err)
			}
			return
		case err, ok := <-metaErrs:
			if ok && err != nil {
				s.log.WarnCtx(ctx, "config watch: meta stream error", "error", err)
			}
			return
		}
	}
}

func (s *Source) emitClusterKV(kv KeyValue, out chan<- config.Event) {
	name := path.Base(strings.TrimSuffix(kv.Key, "/"))
	var cc config.ClusterConfig
	if err := json.Unmarshal(kv.Value, &cc); err != nil {
		out <- config.NewParseError("cluster", kv.Key, err.Error())
		return
	}
	cc.Name = name
	out <- config.ClusterUpsert(&cc)
}

func (s *Source) emitDomainKV(kv KeyValue, out chan<- config.Event) {
	name := path.Base(strings.TrimSuffix(kv.Key, "/"))
	var dc config.DomainConfig
	if err := json.Unmarshal(kv.Value, &dc); err != nil {
		out <- config.NewParseError("domain", kv.Key, err.Error())
		return
	}
	dc.Name = name
	out <- config.DomainUpsert(&dc)
}

func (s *Source) emitClusterWatchEvent(ev WatchEvent, out chan<- config.Event) {
	name := path.Base(strings.TrimSuffix(ev.Kv.Key, "/"))
	if ev.Type == "DELETE" {
		out <- config.ClusterDelete(name)
		return
	}
	s.emitClusterKV(ev.Kv, out)
}

func (s *Source) emitDomainWatchEvent(ev WatchEvent, out chan<- config.Event) {
	name := path.Base(strings.TrimSuffix(ev.Kv.Key, "/"))
	if ev.Type == "DELETE" {
		out <- config.DomainDelete(name)
		return
	}
	s.emitDomainKV(ev.Kv, out)
}

func (s *Source) emitMetaWatchEvent(ev WatchEvent, out chan<- config.Event) {
	if ev.Type == "DELETE" {
		return
	}
	var rev int64
	if err := json.Unmarshal(ev.Kv.Value, &rev); err != nil {
		out <- config.NewParseError("meta", ev.Kv.Key, err.Error())
		return
	}
	out <- config.MetaRevision(rev)
}

// Run loops InitialLoad once, then WatchOnce repeatedly with backoff.
// Every reconnect restarts the watches from the revision InitialLoad
// returned; revisions seen on the watch streams are not carried forward,
// so each reconnect replays the changes made since the initial load.
// This is the reconnect loop the original leaves to its caller.
func Run(ctx context.Context, s *Source, out chan<- config.Event) {
	revision, err := s.InitialLoad(ctx, out)
	if err != nil {
		s.log.ErrorCtx(ctx, "config source: initial load failed", "error", err)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.WatchOnce(ctx, revision, out)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
