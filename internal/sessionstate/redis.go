package sessionstate

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/appbridge/internal/logx"
)

// DefaultRedisKey is where the session state is kept.
const DefaultRedisKey = "appbridge:session"

// redisOpTimeout bounds each Load/Store round trip so a slow Redis never
// stalls the state observer.
const redisOpTimeout = 2 * time.Second

type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to the given Redis URL and returns a Store. The key
// is initialized to a disconnected state if it does not exist.
func NewRedisStore(ctx context.Context, addr, key string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, key: key}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b, _ := json.Marshal(State{Status: StatusDisconnected, Since: time.Now()})
	_ = c.SetNX(ctx, rs.key, b, 0).Err()
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster
// and sentinel deployments. Without a scheme addr is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}

	q := u.Query()
	path := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "redis", "rediss":
		dbStr := path
		if dbStr == "" {
			dbStr = q.Get("db")
		}
		if dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db %q", dbStr)
			}
			opts.DB = db
		}
	case "redis-sentinel", "rediss-sentinel":
		if path == "" {
			return nil, errors.New("redis: sentinel URL needs a master name")
		}
		opts.MasterName = path
		if dbStr := q.Get("db"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db %q", dbStr)
			}
			opts.DB = db
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (r *redisStore) Load() State {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusDisconnected}
		}
		return State{Status: statusUnknown, LastError: err.Error()}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: statusUnknown}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.key, b, 0).Err(); err != nil {
		logx.Log.Warn().Err(err).Str("key", r.key).Msg("publish session state")
	}
}

// Close releases the Redis client.
func (r *redisStore) Close() error {
	return r.client.Close()
}
