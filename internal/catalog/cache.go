package catalog

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша видимости.
var (
	visibilityCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_visibility_cache_hits_total",
		Help: "Общее количество попаданий в кэш видимости сущностей.",
	})
	visibilityCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_visibility_cache_misses_total",
		Help: "Общее количество промахов кэша видимости сущностей.",
	})
)

// VisibilityCache — LRU-кэш подтверждённо видимых идентификаторов с TTL.
// Хранит только положительные ответы: сущность каталога не исчезает,
// а отрицательный ответ может измениться при следующем запросе.
type VisibilityCache struct {
	cache *expirable.LRU[string, struct{}]
}

// NewVisibilityCache создаёт кэш. maxSize <= 0 — кэш отключён (nil).
func NewVisibilityCache(maxSize int, ttl time.Duration) *VisibilityCache {
	if maxSize <= 0 {
		return nil
	}
	return &VisibilityCache{
		cache: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Visible возвращает true, если идентификатор уже подтверждён видимым.
// Безопасен для nil-кэша.
func (c *VisibilityCache) Visible(id string) bool {
	if c == nil {
		return false
	}
	if _, ok := c.cache.Get(id); ok {
		visibilityCacheHitsTotal.Inc()
		return true
	}
	visibilityCacheMissesTotal.Inc()
	return false
}

// MarkVisible запоминает подтверждённо видимый идентификатор.
func (c *VisibilityCache) MarkVisible(id string) {
	if c == nil {
		return
	}
	c.cache.Add(id, struct{}{})
}

// Len возвращает количество записей в кэше.
func (c *VisibilityCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
