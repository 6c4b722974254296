// Package state provides the opaque backing-state handle channels read
// from: a fixed static value plus a PostgreSQL-backed row store, with an
// optional read-through cache in front of the row lookups.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odin-gateway/odin-ws/internal/metrics"
)

// ChannelCache is the read-through cache consulted before a row lookup.
// Satisfied by *cache.RedisCache; kept as a narrow interface so the store
// can be exercised in tests without a real Redis instance.
type ChannelCache interface {
	Get(ctx context.Context, channel string) (json.RawMessage, bool, error)
	Set(ctx context.Context, channel string, payload json.RawMessage) error
}

// State is the shared, read-only handle passed to every channel's
// ExtractData call.
type State struct {
	Pool    *pgxpool.Pool
	Cache   ChannelCache
	Static  json.RawMessage
	Metrics *metrics.Registry
}

// Config configures the PostgreSQL connection pool backing State.
type Config struct {
	DSN      string
	MaxConns int
	MinConns int
}

// New opens a connection pool against cfg.DSN and pings it once to fail
// fast on a bad DSN at startup rather than on the first query.
func New(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("state: empty store DSN")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("state: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	// Prefer IPv4 but fall back gracefully to IPv6-only endpoints.
	poolCfg.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("state: split host/port %q: %w", addr, err)
		}

		dialer := &net.Dialer{}

		if ip := net.ParseIP(host); ip != nil {
			if ip.To4() != nil {
				return dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			}
			return dialer.DialContext(ctx, "tcp6", net.JoinHostPort(ip.String(), port))
		}

		ipv4s, err4 := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		for _, ip := range ipv4s {
			conn, dialErr := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			if dialErr == nil {
				return conn, nil
			}
		}

		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
		if err4 != nil {
			return nil, fmt.Errorf("state: dial %q failed (ipv4 lookup=%v, fallback=%w)", addr, err4, err)
		}
		return nil, fmt.Errorf("state: dial %q failed: %w", addr, errors.Join(err4, err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("state: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("state: ping: %w", err)
	}

	return pool, nil
}

// QueryRow looks up the stored JSON payload for channel from the `state`
// table, preferring the cache when one is configured. An absent row
// decodes to an empty JSON object, matching the reference query channel's
// "absent row -> empty object" contract.
func (s *State) QueryRow(ctx context.Context, channel string) (any, error) {
	if s.Cache != nil {
		if cached, ok, err := s.Cache.Get(ctx, channel); err == nil && ok {
			if s.Metrics != nil {
				s.Metrics.CacheHits.Inc()
			}
			return decodePayload(cached)
		}
		// A cache error or miss both fall through to the store; the cache
		// is a strictly optional optimization (CacheUnavailable never
		// fails the channel).
		if s.Metrics != nil {
			s.Metrics.CacheMisses.Inc()
		}
	}

	var payload *string
	err := s.Pool.QueryRow(ctx, "SELECT payload FROM state WHERE channel = $1", channel).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("state: query channel %q: %w", channel, err)
	}

	if payload == nil {
		if s.Cache != nil {
			_ = s.Cache.Set(ctx, channel, json.RawMessage("{}"))
		}
		return map[string]any{}, nil
	}

	if s.Cache != nil {
		_ = s.Cache.Set(ctx, channel, json.RawMessage(*payload))
	}

	return decodePayload(json.RawMessage(*payload))
}

func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("state: decode payload: %w", err)
	}
	return v, nil
}
