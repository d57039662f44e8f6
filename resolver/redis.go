package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm"
)

// DefaultRedisPrefix is the key prefix used when none is given.
const DefaultRedisPrefix = "pyxm:template:"

const (
	fieldText        = "text"
	fieldFingerprint = "fingerprint"
)

// Redis resolves templates stored in Redis hashes. Each template lives under
// prefix+name with a text and a fingerprint field, so a resolve never has to
// hash the source.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a resolver using client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// Resolve implements pyxm.Resolver.
func (r *Redis) Resolve(ctx context.Context, name string) (pyxm.Source, error) {
	fields, err := r.client.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return pyxm.Source{}, errors.Errorf("redis get %s: %w", r.key(name), err)
	}
	text, ok := fields[fieldText]
	if !ok {
		return pyxm.Source{}, errors.WithDetails(pyxm.ErrNotFound, "name", name, "key", r.key(name))
	}
	zerolog.Ctx(ctx).Debug().Str("template", name).Str("key", r.key(name)).Msg("template resolved from redis")
	return pyxm.Source{Name: name, Text: text, Fingerprint: fields[fieldFingerprint]}, nil
}

// Put stores a template, replacing any previous version.
func (r *Redis) Put(ctx context.Context, name, text string) error {
	err := r.client.HSet(ctx, r.key(name), fieldText, text, fieldFingerprint, pyxm.Fingerprint(text)).Err()
	if err != nil {
		return errors.Errorf("redis put %s: %w", r.key(name), err)
	}
	return nil
}

// Delete removes a template. Deleting a missing template is not an error.
func (r *Redis) Delete(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return errors.Errorf("redis delete %s: %w", r.key(name), err)
	}
	return nil
}

// List implements pyxm.Lister by scanning the key prefix.
func (r *Redis) List(ctx context.Context) ([]string, error) {
	var names []string
	it := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for it.Next(ctx) {
		names = append(names, strings.TrimPrefix(it.Val(), r.prefix))
	}
	if err := it.Err(); err != nil {
		return nil, errors.Errorf("redis scan %s*: %w", r.prefix, err)
	}
	sort.Strings(names)
	return names, nil
}
