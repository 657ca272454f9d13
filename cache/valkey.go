package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	serializer "github.com/always-cache/precache/pkg/response-serializer"

	valkey "github.com/valkey-io/valkey-go"
)

// putScript writes a hash field only while the namespace is still registered.
var putScript = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var deleteScript = valkey.NewLuaScript(`
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[1], ARGV[1])
return 1
`)

type ValkeyConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// Prefix for all keys written by the cache.
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// ValkeyCache stores namespaces in a Valkey (or Redis) server,
// which lets several processes share one store.
// Namespace names are kept in a set, the entries of a namespace in one hash.
// Both scripts touch two keys, so the server must not be a cluster.
type ValkeyCache struct {
	client valkey.Client
	prefix string
}

func NewValkeyCache(cfg ValkeyConfig) (ValkeyCache, error) {
	if cfg.Address == "" {
		return ValkeyCache{}, errors.New("cache: valkey address required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "precache:"
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return ValkeyCache{}, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return ValkeyCache{}, fmt.Errorf("cache: valkey ping: %w", err)
	}
	return ValkeyCache{client: client, prefix: prefix}, nil
}

func (v ValkeyCache) namespacesKey() string {
	return v.prefix + "namespaces"
}

func (v ValkeyCache) namespaceKey(name string) string {
	return v.prefix + "ns:" + name
}

func (v ValkeyCache) Open(ctx context.Context, name string) (*Namespace, error) {
	cmd := v.client.B().Sadd().Key(v.namespacesKey()).Member(name).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: valkey open namespace %s: %w", name, err)
	}
	return NewNamespace(v, name), nil
}

func (v ValkeyCache) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	cmd := v.client.B().Hget().Key(v.namespaceKey(namespace)).Field(key).Build()
	bytes, err := v.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	sRes, err := serializer.BytesToStoredResponse(bytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey decode %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		Status:   sRes.StatusCode,
		Header:   sRes.Header,
		Body:     sRes.Body,
		StoredAt: sRes.StoredAt,
	}, true, nil
}

func (v ValkeyCache) Put(ctx context.Context, namespace string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		StatusCode: entry.Status,
		Header:     entry.Header,
		Body:       entry.Body,
		StoredAt:   entry.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("cache: valkey encode %s: %w", entry.Key, err)
	}
	written, err := putScript.Exec(ctx, v.client,
		[]string{v.namespacesKey(), v.namespaceKey(namespace)},
		[]string{namespace, entry.Key, string(bytes)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: valkey put: %w", err)
	}
	if written == 0 {
		return ErrNamespaceNotFound
	}
	return nil
}

func (v ValkeyCache) DeleteNamespace(ctx context.Context, name string) error {
	err := deleteScript.Exec(ctx, v.client,
		[]string{v.namespacesKey(), v.namespaceKey(name)},
		[]string{name},
	).Error()
	if err != nil {
		return fmt.Errorf("cache: valkey delete namespace %s: %w", name, err)
	}
	return nil
}

func (v ValkeyCache) Namespaces(ctx context.Context) ([]string, error) {
	cmd := v.client.B().Smembers().Key(v.namespacesKey()).Build()
	names, err := v.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (v ValkeyCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	cmd := v.client.B().Hkeys().Key(v.namespaceKey(namespace)).Build()
	keys, err := v.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: valkey keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v ValkeyCache) Close() error {
	v.client.Close()
	return nil
}
