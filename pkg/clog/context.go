package clog

import (
	"context"
	"maps"
	"sync"
)

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

// attrBag collects attributes for the lifetime of one request. Handlers add to
// it as they learn things and AttributesHandler flushes it into every record.
type attrBag struct {
	mu         sync.RWMutex
	attributes map[string]any
}

type attrBagKey struct{}

func bagFrom(ctx context.Context) (*attrBag, bool) {
	b, ok := ctx.Value(attrBagKey{}).(*attrBag)
	return b, ok
}

// ContextWithSlog returns ctx carrying a fresh attribute bag. Nested calls
// start a new bag so background work spawned from a request does not write
// into the request's log line.
func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, attrBagKey{}, &attrBag{attributes: make(map[string]any)})
}

func AddAttribute(ctx context.Context, key string, value any) {
	b, ok := bagFrom(ctx)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attributes[key] = value
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	b, ok := bagFrom(ctx)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mergeMaps(b.attributes, attributes)
}

func GetAttribute[T any](ctx context.Context, key string) T {
	var zero T
	b, ok := bagFrom(ctx)
	if !ok {
		return zero
	}
	b.mu.RLock()
	v, ok := b.attributes[key]
	b.mu.RUnlock()
	if !ok {
		return zero
	}
	typed, ok := v.(T)
	if !ok {
		return zero
	}
	return typed
}

func GetAttributes(ctx context.Context) map[string]any {
	b, ok := bagFrom(ctx)
	if !ok {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.attributes)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		vMap, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		if dstMap, ok := dst[k].(map[string]any); ok {
			mergeMaps(dstMap, vMap)
			continue
		}
		dst[k] = vMap
	}
}

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func GetError(ctx context.Context) error {
	return GetAttribute[error](ctx, ErrorAttributeKey)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

func GetStack(ctx context.Context) string {
	return GetAttribute[string](ctx, StackAttributeKey)
}
