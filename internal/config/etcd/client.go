// Package etcd implements a thin HTTP/JSON client against etcd's v3
// gRPC-Gateway endpoints (/v3/kv/range, /v3/kv/put, /v3/watch,
// /v3/lease/*), avoiding a protoc/gRPC dependency (spec §4.14). It is
// built only to the depth needed to drive the config applier (K).
package etcd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to one etcd gRPC-Gateway endpoint over plain HTTP/JSON.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// Connect tries each endpoint in order until one accepts a lightweight
// range probe, authenticating first if credentials are configured.
func Connect(ctx context.Context, endpoints []string, username, password string) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd: no endpoints configured")
	}
	httpClient := &http.Client{Timeout: 10 * time.Second}

	var lastErr error
	for _, ep := range endpoints {
		base := strings.TrimSuffix(ep, "/")
		c := &Client{http: httpClient, baseURL: base}

		if username != "" && password != "" {
			token, err := c.authenticate(ctx, username, password)
			if err != nil {
				lastErr = err
				continue
			}
			c.token = token
			return c, nil
		}

		if _, err := c.Range(ctx, RangeRequest{Key: []byte("/"), KeysOnly: true}); err != nil {
			lastErr = err
			continue
		}
		return c, nil
	}
	return nil, fmt.Errorf("etcd: all endpoints failed: %w", lastErr)
}

type authRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (c *Client) authenticate(ctx context.Context, username, password string) (string, error) {
	var resp authResponse
	if err := c.postJSON(ctx, "/v3/auth/authenticate", authRequest{Name: username, Password: password}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("etcd %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RangeRequest is a KV range scan, base64-encoded on the wire per the
// etcd gRPC-Gateway JSON mapping.
type RangeRequest struct {
	Key      []byte
	RangeEnd []byte
	KeysOnly bool
}

type rangeWire struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
	KeysOnly bool   `json:"keys_only,omitempty"`
}

// KeyValue is one decoded key/value pair from a range or watch response.
type KeyValue struct {
	Key         string
	Value       []byte
	ModRevision int64
}

type kvWire struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	ModRevision any    `json:"mod_revision"`
}

func (kv kvWire) decode() (KeyValue, error) {
	key, err := base64.StdEncoding.DecodeString(kv.Key)
	if err != nil {
		return KeyValue{}, err
	}
	var value []byte
	if kv.Value != "" {
		value, err = base64.StdEncoding.DecodeString(kv.Value)
		if err != nil {
			return KeyValue{}, err
		}
	}
	return KeyValue{Key: string(key), Value: value, ModRevision: parseInt64Any(kv.ModRevision)}, nil
}

// parseInt64Any handles etcd's gRPC-Gateway v2 inconsistency: int64
// fields are sometimes a JSON number, sometimes a JSON string.
func parseInt64Any(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

type rangeResponseWire struct {
	Kvs    []kvWire `json:"kvs"`
	Header struct {
		Revision any `json:"revision"`
	} `json:"header"`
}

// RangeResult is the decoded outcome of a Range call.
type RangeResult struct {
	Kvs      []KeyValue
	Revision int64
}

// Range performs a KV range scan, e.g. a full prefix scan when RangeEnd
// is PrefixRangeEnd(key).
func (c *Client) Range(ctx context.Context, req RangeRequest) (RangeResult, error) {
	wire := rangeWire{
		Key:      base64.StdEncoding.EncodeToString(req.Key),
		RangeEnd: base64.StdEncoding.EncodeToString(req.RangeEnd),
		KeysOnly: req.KeysOnly,
	}
	var resp rangeResponseWire
	if err := c.postJSON(ctx, "/v3/kv/range", wire, &resp); err != nil {
		return RangeResult{}, err
	}
	result := RangeResult{Revision: parseInt64Any(resp.Header.Revision)}
	for _, kv := range resp.Kvs {
		decoded, err := kv.decode()
		if err != nil {
			return RangeResult{}, err
		}
		result.Kvs = append(result.Kvs, decoded)
	}
	return result, nil
}

type putWire struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Lease int64  `json:"lease,omitempty"`
}

// Put writes one key/value, optionally attached to a lease.
func (c *Client) Put(ctx context.Context, key, value []byte, leaseID int64) error {
	return c.postJSON(ctx, "/v3/kv/put", putWire{
		Key:   base64.StdEncoding.EncodeToString(key),
		Value: base64.StdEncoding.EncodeToString(value),
		Lease: leaseID,
	}, nil)
}

type leaseGrantWire struct {
	TTL int64 `json:"TTL"`
}

type leaseGrantResponseWire struct {
	ID string `json:"ID"`
}

// LeaseGrant requests a new lease with the given TTL in seconds.
func (c *Client) LeaseGrant(ctx context.Context, ttlSeconds int64) (int64, error) {
	var resp leaseGrantResponseWire
	if err := c.postJSON(ctx, "/v3/lease/grant", leaseGrantWire{TTL: ttlSeconds}, &resp); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(resp.ID, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("etcd: lease grant returned invalid ID %q", resp.ID)
	}
	return id, nil
}

type leaseKeepAliveWire struct {
	ID int64 `json:"ID"`
}

type leaseKeepAliveResponseWire struct {
	Result *struct{} `json:"result"`
}

// LeaseKeepAlive sends a single keepalive ping; the caller re-pings on
// its own schedule (spec §4.13: refreshed at TTL/3).
func (c *Client) LeaseKeepAlive(ctx context.Context, leaseID int64) error {
	var resp leaseKeepAliveResponseWire
	if err := c.postJSON(ctx, "/v3/lease/keepalive", leaseKeepAliveWire{ID: leaseID}, &resp); err != nil {
		return err
	}
	if resp.Result == nil {
		return fmt.Errorf("etcd: lease %d expired or not found", leaseID)
	}
	return nil
}

type leaseRevokeWire struct {
	ID int64 `json:"ID"`
}

// LeaseRevoke revokes a lease (best-effort deregistration on shutdown).
func (c *Client) LeaseRevoke(ctx context.Context, leaseID int64) error {
	return c.postJSON(ctx, "/v3/lease/revoke", leaseRevokeWire{ID: leaseID}, nil)
}

// WatchEvent is one decoded event from a watch stream.
type WatchEvent struct {
	Type string // "PUT" or "DELETE"
	Kv   KeyValue
}

type watchCreateWire struct {
	CreateRequest struct {
		Key           string `json:"key"`
		RangeEnd      string `json:"range_end"`
		StartRevision int64  `json:"start_revision,omitempty"`
	} `json:"create_request"`
}

type watchResponseWire struct {
	Result *struct {
		Events []struct {
			Type string `json:"type"`
			Kv   kvWire `json:"kv"`
		} `json:"events"`
		Header struct {
			Revision any `json:"revision"`
		} `json:"header"`
	} `json:"result"`
}

// Watch opens a long-lived watch over [key, rangeEnd) starting at
// startRevision (0 = now) and streams decoded events to the returned
// channel until ctx is canceled or the connection ends. The caller owns
// reconnect/backoff (spec §7 "recovered locally"); Watch does not retry.
func (c *Client) Watch(ctx context.Context, key, rangeEnd []byte, startRevision int64) (<-chan WatchEvent, <-chan error) {
	events := make(chan WatchEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		wire := watchCreateWire{}
		wire.CreateRequest.Key = base64.StdEncoding.EncodeToString(key)
		wire.CreateRequest.RangeEnd = base64.StdEncoding.EncodeToString(rangeEnd)
		wire.CreateRequest.StartRevision = startRevision

		payload, err := json.Marshal(wire)
		if err != nil {
			errs <- err
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/watch", bytes.NewReader(payload))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- fmt.Errorf("etcd watch: status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var wr watchResponseWire
			if err := json.Unmarshal(line, &wr); err != nil {
				continue // one malformed line is advisory, not fatal to the stream
			}
			if wr.Result == nil {
				continue
			}
			for _, ev := range wr.Result.Events {
				kv, err := ev.Kv.decode()
				if err != nil {
					continue
				}
				select {
				case events <- WatchEvent{Type: ev.Type, Kv: kv}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// PrefixRangeEnd computes the range_end that makes [key, range_end) match
// every key sharing prefix.
func PrefixRangeEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
