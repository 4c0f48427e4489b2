package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Config configures a Tiered cache.
type Config struct {
	// MemoryBytes bounds the in-memory tier.
	MemoryBytes int64
	// Dir enables the disk tier when set.
	Dir              string
	DiskBytes        int64
	CompressionLevel int
	// TTL expires entries from both tiers. Zero keeps them until evicted.
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed.
	CleanupInterval time.Duration

	Logger *log.Logger
}

// TieredStats reports both tiers.
type TieredStats struct {
	Memory     Stats  `json:"memory"`
	Disk       *Stats `json:"disk,omitempty"`
	Promotions int64  `json:"promotions"`
}

// Tiered reads from memory first and falls back to disk, promoting disk
// hits into memory. Writes go to every tier.
type Tiered struct {
	memory *MemoryCache
	disk   *DiskCache
	cfg    Config
	log    *log.Logger

	promotions atomic.Int64
	stop       context.CancelFunc
	done       chan struct{}
}

// NewTiered creates the cache and starts the expiry loop when a TTL is set.
func NewTiered(cfg Config) (*Tiered, error) {
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = 32 << 20
	}
	if cfg.DiskBytes <= 0 {
		cfg.DiskBytes = 100 << 20
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("cache")
	}

	t := &Tiered{
		memory: NewMemoryCache(cfg.MemoryBytes),
		cfg:    cfg,
		log:    cfg.Logger,
	}
	if cfg.Dir != "" {
		disk, err := NewDiskCache(cfg.Dir, cfg.DiskBytes, cfg.CompressionLevel)
		if err != nil {
			return nil, err
		}
		t.disk = disk
	}

	if cfg.TTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.stop = cancel
		t.done = make(chan struct{})
		go t.expireLoop(ctx)
	}
	return t, nil
}

// Get returns a clip from the fastest tier holding it.
func (t *Tiered) Get(key string) ([]byte, bool) {
	if data, ok := t.memory.Get(key); ok {
		return data, true
	}
	if t.disk == nil {
		return nil, false
	}
	data, ok := t.disk.Get(key)
	if !ok {
		return nil, false
	}
	if err := t.memory.Put(key, data); err == nil {
		t.promotions.Add(1)
	}
	return data, true
}

// Put writes the clip to every tier. A clip too large for memory is still
// stored on disk.
func (t *Tiered) Put(key string, value []byte) error {
	var errs []error
	if err := t.memory.Put(key, value); err != nil && !errors.Is(err, ErrItemTooLarge) {
		errs = append(errs, err)
	}
	if t.disk != nil {
		if err := t.disk.Put(key, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete removes key from every tier.
func (t *Tiered) Delete(key string) error {
	err := t.memory.Delete(key)
	if t.disk != nil {
		err = errors.Join(err, t.disk.Delete(key))
	}
	return err
}

// Clear empties every tier.
func (t *Tiered) Clear() error {
	err := t.memory.Clear()
	if t.disk != nil {
		err = errors.Join(err, t.disk.Clear())
	}
	return err
}

// Contains reports whether any tier holds key.
func (t *Tiered) Contains(key string) bool {
	return t.memory.Contains(key) || (t.disk != nil && t.disk.Contains(key))
}

// Size returns the bytes held in memory plus on disk.
func (t *Tiered) Size() int64 {
	n := t.memory.Size()
	if t.disk != nil {
		n += t.disk.Size()
	}
	return n
}

// Stats returns per-tier counters.
func (t *Tiered) Stats() TieredStats {
	s := TieredStats{Memory: t.memory.Stats(), Promotions: t.promotions.Load()}
	if t.disk != nil {
		ds := t.disk.Stats()
		s.Disk = &ds
	}
	return s
}

// Expire removes entries older than the TTL from both tiers.
func (t *Tiered) Expire() int {
	if t.cfg.TTL <= 0 {
		return 0
	}
	n := t.memory.Prune(t.cfg.TTL)
	if t.disk != nil {
		n += t.disk.RemoveOlderThan(time.Now().Add(-t.cfg.TTL))
	}
	return n
}

func (t *Tiered) expireLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Expire(); n > 0 {
				t.log.Debug("expired clips", "count", n)
			}
		}
	}
}

// Close stops the expiry loop and saves the disk index.
func (t *Tiered) Close() error {
	if t.stop != nil {
		t.stop()
		<-t.done
	}
	if t.disk != nil {
		return t.disk.Close()
	}
	return nil
}
