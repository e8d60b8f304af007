package loader

import (
	"encoding/base64"
	"sync"

	"github.com/evanphx/rafos/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

// Cache remembers parsed images by a hash of their bytes, so a program
// exec'd repeatedly is only parsed once.
type Cache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewCache(size int) *Cache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}

	return &Cache{cache: cache}
}

func cacheKey(data []byte) string {
	sum := blake2b.Sum256(data)
	return base64.URLEncoding.EncodeToString(sum[:])
}

func (c *Cache) Lookup(key string) (*Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	val, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (c *Cache) Set(key string, img *Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, img)
}

func (c *Cache) Len() int {
	return c.cache.Len()
}

// Parse returns the cached image for data, parsing it on a miss.
func (c *Cache) Parse(data []byte) (*Image, error) {
	key := cacheKey(data)

	if img, ok := c.Lookup(key); ok {
		log.L.Trace("image-cache-hit", "key", key)
		return img, nil
	}

	img, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.L.Debug("cached image", "key", key, "entry", img.Entry)
	c.Set(key, img)

	return img, nil
}
