package review

import (
	"context"
	"strings"
)

const opDuplicateCheck = "review.duplicates.check"

// DuplicateMatch reports where a content hash was found.
type DuplicateMatch int

const (
	DuplicateNone DuplicateMatch = iota
	DuplicateQueue
	DuplicateCatalog
)

func (m DuplicateMatch) String() string {
	switch m {
	case DuplicateQueue:
		return "queue"
	case DuplicateCatalog:
		return "catalog"
	default:
		return "none"
	}
}

// HashLookup finds live queue items by hash.
type HashLookup interface {
	ActiveHashExists(ctx context.Context, hash, excludeQueueID string) (bool, error)
}

// CatalogLookup finds catalog tracks by hash, ignoring the track of the asking item.
type CatalogLookup interface {
	HashExists(ctx context.Context, hash, excludeQueueID string) (bool, error)
}

// DuplicateDetector checks a content hash against the in-flight queue and the catalog.
type DuplicateDetector struct {
	queue   HashLookup
	catalog CatalogLookup
}

// NewDuplicateDetector builds a detector.
func NewDuplicateDetector(queue HashLookup, catalog CatalogLookup) (*DuplicateDetector, error) {
	if queue == nil {
		return nil, missing(opDuplicateCheck, "queue")
	}
	if catalog == nil {
		return nil, missing(opDuplicateCheck, "catalog")
	}
	return &DuplicateDetector{queue: queue, catalog: catalog}, nil
}

// Check looks for hash on any other pending, processing or approved item, then on
// any catalog track published for another item. A lookup failure is returned as an error, never as DuplicateNone.
func (d *DuplicateDetector) Check(ctx context.Context, queueID, hash string) (DuplicateMatch, error) {
	if strings.TrimSpace(hash) == "" {
		return DuplicateNone, newServiceError(opDuplicateCheck, "missing_hash", errMissingDependency)
	}
	inQueue, err := d.queue.ActiveHashExists(ctx, hash, queueID)
	if err != nil {
		return DuplicateNone, newServiceError(opDuplicateCheck, "queue_lookup_failed", err)
	}
	if inQueue {
		return DuplicateQueue, nil
	}
	inCatalog, err := d.catalog.HashExists(ctx, hash, queueID)
	if err != nil {
		return DuplicateNone, newServiceError(opDuplicateCheck, "catalog_lookup_failed", err)
	}
	if inCatalog {
		return DuplicateCatalog, nil
	}
	return DuplicateNone, nil
}
