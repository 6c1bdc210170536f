package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketImages = []byte("images")

// ImageCache tracks extracted base images under <root>/images and records
// their content digests in a small bbolt index, so resolution is repeatable
// without rescanning (or re-downloading) the rootfs tree every build.
type ImageCache struct {
	storeRoot string
}

// NewImageCache creates a cache rooted at the store root
func NewImageCache(storeRoot string) *ImageCache {
	return &ImageCache{storeRoot: storeRoot}
}

// RootfsPath is the extracted root tree for a cache key
func (c *ImageCache) RootfsPath(cacheKey string) string {
	return filepath.Join(c.storeRoot, "images", cacheKey, "rootfs")
}

// IsCached reports whether a rootfs is present for the cache key
func (c *ImageCache) IsCached(cacheKey string) bool {
	info, err := os.Stat(c.RootfsPath(cacheKey))
	return err == nil && info.IsDir()
}

func (c *ImageCache) indexPath() string {
	return filepath.Join(c.storeRoot, "images", "index.db")
}

func (c *ImageCache) withIndex(writable bool, fn func(*bolt.Tx) error) error {
	if err := os.MkdirAll(filepath.Join(c.storeRoot, "images"), 0o755); err != nil {
		return fmt.Errorf("failed to create images directory: %w", err)
	}
	db, err := bolt.Open(c.indexPath(), 0o600, nil)
	if err != nil {
		return fmt.Errorf("failed to open image index: %w", err)
	}
	defer db.Close()

	if writable {
		return db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketImages); err != nil {
				return fmt.Errorf("failed to create image bucket: %w", err)
			}
			return fn(tx)
		})
	}
	return db.View(fn)
}

// LookupDigest returns the recorded content digest for a cache key, or ""
// when the image has not been indexed
func (c *ImageCache) LookupDigest(cacheKey string) (string, error) {
	var digest string
	err := c.withIndex(false, func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(cacheKey)); v != nil {
			digest = string(v)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// RecordDigest persists the content digest for a cache key
func (c *ImageCache) RecordDigest(cacheKey, digest string) error {
	return c.withIndex(true, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put([]byte(cacheKey), []byte(digest))
	})
}

// EnsureDigest returns the content digest of a cached image, computing and
// recording it on first use. The rootfs must already be present: image
// download and extraction are handled by the external fetcher.
func (c *ImageCache) EnsureDigest(img *ResolvedImage) (string, error) {
	if digest, err := c.LookupDigest(img.CacheKey); err == nil && digest != "" {
		return digest, nil
	}

	if !c.IsCached(img.CacheKey) {
		return "", &ImageNotFoundError{Image: img.DisplayName}
	}

	digest, err := ComputeImageDigest(c.RootfsPath(img.CacheKey))
	if err != nil {
		return "", err
	}
	if err := c.RecordDigest(img.CacheKey, digest); err != nil {
		return "", err
	}
	return digest, nil
}

// Forget drops the index entry for a cache key. Used when the cached rootfs
// is removed or replaced.
func (c *ImageCache) Forget(cacheKey string) error {
	return c.withIndex(true, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(cacheKey))
	})
}
