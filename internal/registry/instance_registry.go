// Package registry implements component L: this gateway instance's
// self-registration under a lease-backed etcd key, and a watch on the
// instance-count prefix that feeds the shared peer-count handle the
// rate limiter (H) divides by. Recovered from
// original_source/gateway/src/server/instance_registry.rs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"hermes/internal/config/etcd"
	"hermes/internal/ratelimit"
	"hermes/internal/telemetry/logging"
)

// InstanceRegistry owns one instance's lease lifecycle. The bootstrap
// calls Register once at startup and, if it succeeds, runs RunKeepalive
// and RunWatchPeers as background loops; a failed registration is logged
// and does not block serving traffic.
type InstanceRegistry struct {
	client     *etcd.Client
	instanceID string
	key        string
	prefix     string
	leaseTTL   time.Duration
	peers      *ratelimit.PeerCount
	log        logging.Logger

	mu      sync.Mutex
	leaseID int64
}

// New builds a registry for one instance. prefix is the KV prefix
// instances register under (e.g. "/hermes/instances"); leaseTTL governs
// both the etcd lease and the derived keepalive interval (TTL/3).
func New(client *etcd.Client, prefix string, leaseTTL time.Duration, peers *ratelimit.PeerCount, log logging.Logger) *InstanceRegistry {
	instanceID := generateInstanceID()
	return &InstanceRegistry{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		key:        prefix + "/" + instanceID,
		leaseTTL:   leaseTTL,
		peers:      peers,
		log:        log,
	}
}

func generateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// InstanceID returns this instance's generated identity.
func (r *InstanceRegistry) InstanceID() string { return r.instanceID }

// Register grants a lease, writes the instance key, and counts peers.
// /readyz does not depend on it.
func (r *InstanceRegistry) Register(ctx context.Context) error {
	leaseID, err := r.client.LeaseGrant(ctx, int64(r.leaseTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("instance registry: lease grant: %w", err)
	}
	r.mu.Lock()
	r.leaseID = leaseID
	r.mu.Unlock()

	if err := r.putInstanceKey(ctx, leaseID); err != nil {
		return fmt.Errorf("instance registry: put instance key: %w", err)
	}

	count, err := r.countInstances(ctx)
	if err != nil {
		return fmt.Errorf("instance registry: count instances: %w", err)
	}
	r.peers.Set(count)
	r.log.InfoCtx(ctx, "instance registered", "instance_id", r.instanceID, "lease_id", leaseID, "peers", count)
	return nil
}

// KeepaliveInterval is lease TTL / 3, per the original's renewal cadence.
func (r *InstanceRegistry) KeepaliveInterval() time.Duration {
	return r.leaseTTL / 3
}

// RunKeepalive loops KeepaliveOnce on KeepaliveInterval until ctx is done.
func (r *InstanceRegistry) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(r.KeepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.KeepaliveOnce(ctx); err != nil {
				r.log.WarnCtx(ctx, "instance registry: keepalive failed", "error", err)
			}
		}
	}
}

// KeepaliveOnce renews the lease and refreshes the instance key. On
// lease loss it re-registers under a fresh lease.
func (r *InstanceRegistry) KeepaliveOnce(ctx context.Context) error {
	r.mu.Lock()
	leaseID := r.leaseID
	r.mu.Unlock()

	if err := r.client.LeaseKeepAlive(ctx, leaseID); err != nil {
		r.log.WarnCtx(ctx, "instance registry: lease expired, re-registering", "error", err)
		return r.Register(ctx)
	}
	return r.putInstanceKey(ctx, leaseID)
}

// RunWatchPeers watches the instance prefix and recomputes the peer
// count whenever a peer joins or leaves, until ctx is done. The caller
// owns reconnect-with-backoff across calls (spec §7 "recovered locally").
func (r *InstanceRegistry) RunWatchPeers(ctx context.Context) {
	prefixSlash := r.prefix + "/"
	events, errs := r.client.Watch(ctx, []byte(prefixSlash), etcd.PrefixRangeEnd([]byte(prefixSlash)), 0)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			count, err := r.countInstances(ctx)
			if err != nil {
				r.log.WarnCtx(ctx, "instance registry: recount failed", "error", err)
				continue
			}
			if r.peers.Get() != count {
				r.log.InfoCtx(ctx, "peer count changed", "peers", count)
			}
			r.peers.Set(count)
		case err, ok := <-errs:
			if ok && err != nil {
				r.log.WarnCtx(ctx, "instance registry: watch error", "error", err)
			}
			return
		}
	}
}

// Shutdown revokes the lease; the instance key is then auto-deleted by
// etcd. Best-effort: if revoke fails the lease simply expires.
func (r *InstanceRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	leaseID := r.leaseID
	r.mu.Unlock()
	if leaseID == 0 {
		return
	}
	if err := r.client.LeaseRevoke(ctx, leaseID); err != nil {
		r.log.WarnCtx(ctx, "instance registry: lease revoke failed", "error", err)
		return
	}
	r.log.InfoCtx(ctx, "instance registry: lease revoked", "instance_id", r.instanceID)
}

type instanceRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r *InstanceRegistry) putInstanceKey(ctx context.Context, leaseID int64) error {
	value, err := json.Marshal(instanceRecord{ID: r.instanceID, Status: "running"})
	if err != nil {
		return err
	}
	return r.client.Put(ctx, []byte(r.key), value, leaseID)
}

func (r *InstanceRegistry) countInstances(ctx context.Context) (int, error) {
	prefixSlash := r.prefix + "/"
	result, err := r.client.Range(ctx, etcd.RangeRequest{
		Key:      []byte(prefixSlash),
		RangeEnd: etcd.PrefixRangeEnd([]byte(prefixSlash)),
		KeysOnly: true,
	})
	if err != nil {
		return 0, err
	}
	if len(result.Kvs) < 1 {
		return 1, nil
	}
	return len(result.Kvs), nil
}
