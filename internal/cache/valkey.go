package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig controls transport security for the Valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries the connection settings for NewValkey.
type ValkeyConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       ValkeyTLSConfig
}

// valkeyBackend lays entries out as one value key per entry plus shared
// bookkeeping structures:
//
//	<p>:entry:<owner>:<fp>   JSON entry
//	<p>:expiry               zset, member = key JSON, score = expires_at
//	<p>:created              zset, member = key JSON, score = created_at
//	<p>:hits                 hash, field = key JSON, value = hit count
//	<p>:bytes                payload byte counter
//	<p>:tables:<owner>:<fp>  set of table identifiers for the entry
//	<p>:dep:<table>          set of key JSONs depending on the table
//
// Entries are removed by sweeps and invalidation, never by native expiry,
// so the expiry zset stays authoritative for ListExpired and entry count.
type valkeyBackend struct {
	client valkey.Client
	prefix string
}

// NewValkey connects to the configured Valkey and verifies it with a ping.
func NewValkey(cfg ValkeyConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "querygate"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyBackend{client: client, prefix: cfg.KeyPrefix}, nil
}

func (c *valkeyBackend) entryKey(key Key) string {
	return c.prefix + ":entry:" + key.Owner + ":" + key.Fingerprint
}

func (c *valkeyBackend) tablesKey(key Key) string {
	return c.prefix + ":tables:" + key.Owner + ":" + key.Fingerprint
}

func (c *valkeyBackend) depKey(table string) string {
	return c.prefix + ":dep:" + table
}

func (c *valkeyBackend) expiryKey() string  { return c.prefix + ":expiry" }
func (c *valkeyBackend) createdKey() string { return c.prefix + ":created" }
func (c *valkeyBackend) hitsKey() string    { return c.prefix + ":hits" }
func (c *valkeyBackend) bytesKey() string   { return c.prefix + ":bytes" }

func (c *valkeyBackend) Get(ctx context.Context, key Key) (Entry, error) {
	member := marshalKey(key)
	resps := c.client.DoMulti(ctx,
		c.client.B().Get().Key(c.entryKey(key)).Build(),
		c.client.B().Hget().Key(c.hitsKey()).Field(member).Build(),
	)
	if err := resps[0].Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resps[0].AsBytes()
	if err != nil {
		return Entry{}, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("cache: valkey decode %s: %w", key.Fingerprint, ErrCorruptEntry)
	}
	if hits, err := resps[1].AsInt64(); err == nil {
		entry.HitCount = hits
	} else if !errors.Is(err, valkey.Nil) {
		return Entry{}, fmt.Errorf("cache: valkey hit count: %w", err)
	}
	return entry, nil
}

func (c *valkeyBackend) Put(ctx context.Context, entry Entry) error {
	key := entry.Key()
	entry.HitCount = 0
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}

	oldSize, err := c.client.Do(ctx, c.client.B().Strlen().Key(c.entryKey(key)).Build()).AsInt64()
	if err != nil && !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("cache: valkey strlen: %w", err)
	}

	member := marshalKey(key)
	resps := c.client.DoMulti(ctx,
		c.client.B().Set().Key(c.entryKey(key)).Value(string(payload)).Build(),
		c.client.B().Zadd().Key(c.expiryKey()).ScoreMember().ScoreMember(float64(entry.ExpiresAt.Unix()), member).Build(),
		c.client.B().Zadd().Key(c.createdKey()).ScoreMember().ScoreMember(float64(entry.CreatedAt.Unix()), member).Build(),
		c.client.B().Hdel().Key(c.hitsKey()).Field(member).Build(),
		c.client.B().Incrby().Key(c.bytesKey()).Increment(int64(len(payload))-oldSize).Build(),
	)
	for _, resp := range resps {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey put: %w", err)
		}
	}
	return nil
}

func (c *valkeyBackend) Delete(ctx context.Context, key Key) error {
	oldSize, err := c.client.Do(ctx, c.client.B().Strlen().Key(c.entryKey(key)).Build()).AsInt64()
	if err != nil && !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("cache: valkey strlen: %w", err)
	}

	member := marshalKey(key)
	resps := c.client.DoMulti(ctx,
		c.client.B().Del().Key(c.entryKey(key)).Build(),
		c.client.B().Zrem().Key(c.expiryKey()).Member(member).Build(),
		c.client.B().Zrem().Key(c.createdKey()).Member(member).Build(),
		c.client.B().Hdel().Key(c.hitsKey()).Field(member).Build(),
		c.client.B().Decrby().Key(c.bytesKey()).Decrement(oldSize).Build(),
	)
	for _, resp := range resps {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey delete: %w", err)
		}
	}
	return nil
}

func (c *valkeyBackend) IncrementHitCount(ctx context.Context, key Key) error {
	cmd := c.client.B().Hincrby().Key(c.hitsKey()).Field(marshalKey(key)).Increment(1).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey hit count: %w", err)
	}
	return nil
}

func (c *valkeyBackend) ListExpired(ctx context.Context, now time.Time, limit int) ([]Key, error) {
	if limit <= 0 {
		limit = 100
	}
	cmd := c.client.B().Zrangebyscore().Key(c.expiryKey()).
		Min("-inf").Max(strconv.FormatInt(now.Unix(), 10)).
		Limit(0, int64(limit)).Build()
	members, err := c.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey list expired: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, member := range members {
		key, err := unmarshalKey(member)
		if err != nil {
			return nil, fmt.Errorf("cache: valkey expiry member: %w", ErrCorruptEntry)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *valkeyBackend) Purge(ctx context.Context) (int64, error) {
	removed, err := c.client.Do(ctx, c.client.B().Zcard().Key(c.expiryKey()).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey purge count: %w", err)
	}
	var cursor uint64
	for {
		entry, err := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(c.prefix+":*").Count(256).Build()).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("cache: valkey purge scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := c.client.Do(ctx, c.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return 0, fmt.Errorf("cache: valkey purge delete: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

func (c *valkeyBackend) Stats(ctx context.Context) (Stats, error) {
	resps := c.client.DoMulti(ctx,
		c.client.B().Zcard().Key(c.expiryKey()).Build(),
		c.client.B().Get().Key(c.bytesKey()).Build(),
		c.client.B().Zrangebyscore().Key(c.createdKey()).Min("-inf").Max("+inf").Withscores().Limit(0, 1).Build(),
	)
	var stats Stats
	count, err := resps[0].AsInt64()
	if err != nil {
		return Stats{}, fmt.Errorf("cache: valkey stats count: %w", err)
	}
	stats.EntryCount = count
	if bytes, err := resps[1].AsInt64(); err == nil {
		stats.PayloadBytes = bytes
	} else if !errors.Is(err, valkey.Nil) {
		return Stats{}, fmt.Errorf("cache: valkey stats bytes: %w", err)
	}
	oldest, err := resps[2].AsZScores()
	if err != nil {
		return Stats{}, fmt.Errorf("cache: valkey stats oldest: %w", err)
	}
	if len(oldest) > 0 {
		stats.OldestCreated = time.Unix(int64(oldest[0].Score), 0).UTC()
	}
	return stats, nil
}

func (c *valkeyBackend) Close() {
	c.client.Close()
}

func (c *valkeyBackend) Record(ctx context.Context, key Key, tables []string) error {
	old, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.tablesKey(key)).Build()).AsStrSlice()
	if err != nil && !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("cache: valkey record read: %w", err)
	}

	member := marshalKey(key)
	cmds := make(valkey.Commands, 0, len(old)+len(tables)+2)
	for _, table := range old {
		cmds = append(cmds, c.client.B().Srem().Key(c.depKey(table)).Member(member).Build())
	}
	cmds = append(cmds, c.client.B().Del().Key(c.tablesKey(key)).Build())
	recorded := dedupeTables(tables)
	if len(recorded) > 0 {
		cmds = append(cmds, c.client.B().Sadd().Key(c.tablesKey(key)).Member(recorded...).Build())
		for _, table := range recorded {
			cmds = append(cmds, c.client.B().Sadd().Key(c.depKey(table)).Member(member).Build())
		}
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey record: %w", err)
		}
	}
	return nil
}

func (c *valkeyBackend) InvalidateByTable(ctx context.Context, table string) ([]Key, error) {
	members, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.depKey(table)).Build()).AsStrSlice()
	if err != nil && !errors.Is(err, valkey.Nil) {
		return nil, fmt.Errorf("cache: valkey invalidate read: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(members))
	for _, member := range members {
		key, err := unmarshalKey(member)
		if err != nil {
			return nil, fmt.Errorf("cache: valkey dependency member: %w", ErrCorruptEntry)
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			return nil, err
		}
		if err := c.Drop(ctx, key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func (c *valkeyBackend) Drop(ctx context.Context, key Key) error {
	tables, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.tablesKey(key)).Build()).AsStrSlice()
	if err != nil && !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("cache: valkey drop read: %w", err)
	}
	member := marshalKey(key)
	cmds := make(valkey.Commands, 0, len(tables)+1)
	for _, table := range tables {
		cmds = append(cmds, c.client.B().Srem().Key(c.depKey(table)).Member(member).Build())
	}
	cmds = append(cmds, c.client.B().Del().Key(c.tablesKey(key)).Build())
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: valkey drop: %w", err)
		}
	}
	return nil
}
