// Package infra loads the gateway's own infrastructure config (listener
// and admin addresses, KV endpoints, discovery agent address, instance
// registry toggle) from a YAML file, with fsnotify-driven hot reload of
// the file's directory. This is the infra layer of the gateway's
// two-layer configuration split; domains/clusters load from the KV
// store only, see internal/applier.
package infra

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the gateway's infra-only configuration.
type Config struct {
	ListenAddr       string        `yaml:"listen_addr"`
	AdminAddr        string        `yaml:"admin_addr"`
	EtcdEndpoints    []string      `yaml:"etcd_endpoints"`
	EtcdUsername     string        `yaml:"etcd_username,omitempty"`
	EtcdPassword     string        `yaml:"etcd_password,omitempty"`
	DomainPrefix     string        `yaml:"domain_prefix"`
	ClusterPrefix    string        `yaml:"cluster_prefix"`
	MetaRevisionKey  string        `yaml:"meta_revision_key"`
	InstanceRegistry bool          `yaml:"instance_registry"`
	InstancePrefix   string        `yaml:"instance_prefix"`
	InstanceLeaseTTL time.Duration `yaml:"instance_lease_ttl"`
	ConsulAddr       string        `yaml:"consul_addr,omitempty"`
}

// Defaults fills the zero-value fields a gateway cannot run without.
func (c *Config) Defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":9090"
	}
	if c.DomainPrefix == "" {
		c.DomainPrefix = "/hermes/domains"
	}
	if c.ClusterPrefix == "" {
		c.ClusterPrefix = "/hermes/clusters"
	}
	if c.MetaRevisionKey == "" {
		c.MetaRevisionKey = "/hermes/meta/revision"
	}
	if c.InstancePrefix == "" {
		c.InstancePrefix = "/hermes/instances"
	}
	if c.InstanceLeaseTTL <= 0 {
		c.InstanceLeaseTTL = 15 * time.Second
	}
}

func checksum(c *Config) string {
	data, _ := yaml.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("infra: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("infra: parse %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Watcher reloads the config file whenever it changes on disk and
// publishes the new value, deduplicated by content checksum.
type Watcher struct {
	path string

	mu       sync.Mutex
	lastSum  string
	watching bool
}

// NewWatcher prepares a watcher for the given config file.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

// Watch starts watching the config file's directory (more reliable
// than watching the file handle directly, since editors often replace
// rather than truncate-and-rewrite) and streams parsed configs on
// write events until ctx is done. The first value sent is the file's
// state at call time.
func (w *Watcher) Watch(ctx context.Context) (<-chan *Config, <-chan error) {
	changes := make(chan *Config, 4)
	errs := make(chan error, 4)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- fmt.Errorf("infra: create watcher: %w", err)
		close(changes)
		close(errs)
		return changes, errs
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		errs <- fmt.Errorf("infra: watch directory %s: %w", dir, err)
		watcher.Close()
		close(changes)
		close(errs)
		return changes, errs
	}

	go func() {
		defer watcher.Close()
		defer close(changes)
		defer close(errs)

		if cfg, err := Load(w.path); err == nil {
			w.mu.Lock()
			w.lastSum = checksum(cfg)
			w.mu.Unlock()
			changes <- cfg
		} else {
			errs <- err
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				sum := checksum(cfg)
				w.mu.Lock()
				changed := sum != w.lastSum
				w.lastSum = sum
				w.mu.Unlock()
				if changed {
					changes <- cfg
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			}
		}
	}()

	return changes, errs
}
