package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jgivc/resyncserver/internal/common"
	"github.com/jgivc/resyncserver/internal/entity"
	"github.com/redis/go-redis/v9"
)

const (
	KeyVersion1      = "v1"
	KeyVersion2      = "v2"
	KeyPrefix        = "rs"
	KeyActiveVersion = "av" // STRING. rs:av -> v1|v2
	KeyResourceMap   = "rm" // HASH. rs:rm:ver identifier -> record
	KeyUpdated       = "up" // STRING. rs:up:ver -> unix time of the publication

	KeyEmpty     = ""
	KeySeparator = ":"

	recordSeparator = "|"
	saveBatchSize   = 1000
)

// resourceRepository keeps the resource index in redis. New data is written to the standby
// version and published by switching the active version key.
type resourceRepository struct {
	ver atomic.Value
	cl  *redis.Client
	log *slog.Logger
}

func NewResourceRepository(ctx context.Context, cl *redis.Client, log *slog.Logger) (*resourceRepository, error) {
	repo := &resourceRepository{
		cl:  cl,
		log: log.With(slog.String("item", "ResourceRepository")),
	}

	ver, _, err := repo.getVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get active version: %w", err)
	}

	repo.ver.Store(ver)

	return repo, nil
}

func (r *resourceRepository) Save(ctx context.Context, resources []entity.Resource) error {
	verActive, verStandby, err := r.getVersions(ctx)
	if err != nil {
		r.log.Error("Cannot get standby data version", slog.Any("error", err))

		return fmt.Errorf("cannot get active version: %w", err)
	}
	r.log.Info("Save new data", slog.String("active_version", verActive), slog.String("standby_version", verStandby),
		slog.Int("resource_count", len(resources)))

	if err := r.cl.Del(ctx, getKey(KeyPrefix, KeyResourceMap, verStandby), getKey(KeyPrefix, KeyUpdated, verStandby)).Err(); err != nil {
		r.log.Error("Cannot clear old data", slog.String("version", verStandby), slog.Any("error", err))

		return fmt.Errorf("cannot clear old data: %w", err)
	}

	if err := r.saveNewData(ctx, verStandby, resources); err != nil {
		r.log.Error("Cannot save new data", slog.String("version", verStandby), slog.Any("error", err))

		return fmt.Errorf("cannot save new data: %w", err)
	}

	if err := r.cl.Set(ctx, getKey(KeyPrefix, KeyActiveVersion), verStandby, 0).Err(); err != nil {
		r.log.Error("Cannot switch to new version", slog.String("version", verStandby), slog.Any("error", err))

		return fmt.Errorf("cannot switch to new version: %w", err)
	}

	r.ver.Store(verStandby)

	return nil
}

func (r *resourceRepository) saveNewData(ctx context.Context, ver string, resources []entity.Resource) error {
	key := getKey(KeyPrefix, KeyResourceMap, ver)

	for start := 0; start < len(resources); start += saveBatchSize {
		pipe := r.cl.Pipeline()
		for _, res := range resources[start:min(start+saveBatchSize, len(resources))] {
			pipe.HSet(ctx, key, res.Identifier, encodeRecord(res))
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("cannot exec pipe: %w", err)
		}
	}

	if err := r.cl.Set(ctx, getKey(KeyPrefix, KeyUpdated, ver), strconv.FormatInt(time.Now().Unix(), 10), 0).Err(); err != nil {
		return fmt.Errorf("cannot set update time: %w", err)
	}

	return nil
}

// Enumerate returns the resources of the active version sorted by identifier.
// Connection failures are reported as transient.
func (r *resourceRepository) Enumerate(ctx context.Context) ([]entity.Resource, error) {
	ver, err := r.cl.Get(ctx, getKey(KeyPrefix, KeyActiveVersion)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, classify(fmt.Errorf("cannot get active version: %w", err))
	}

	if ver == KeyEmpty {
		ver = r.getActiveVersion()
	}

	records, err := r.cl.HGetAll(ctx, getKey(KeyPrefix, KeyResourceMap, ver)).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("cannot get resource map: %w", err))
	}

	resources := make([]entity.Resource, 0, len(records))
	for id, record := range records {
		res, err := decodeRecord(id, record)
		if err != nil {
			r.log.Error("Cannot decode resource record", slog.String("id", id), slog.Any("error", err))

			continue
		}

		resources = append(resources, res)
	}

	entity.SortResources(resources)

	return resources, nil
}

func (r *resourceRepository) Count(ctx context.Context) (int64, error) {
	count, err := r.cl.HLen(ctx, getKey(KeyPrefix, KeyResourceMap, r.getActiveVersion())).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot get resource count: %w", err)
	}

	return count, nil
}

/*
getVersions return active and standby versions
*/
func (r *resourceRepository) getVersions(ctx context.Context) (string, string, error) {
	ver, err := r.cl.Get(ctx, getKey(KeyPrefix, KeyActiveVersion)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return KeyEmpty, KeyEmpty, fmt.Errorf("cannot get active version: %w", err)
	}

	switch ver {
	case KeyVersion1:
		return KeyVersion1, KeyVersion2, nil
	case KeyVersion2:
		return KeyVersion2, KeyVersion1, nil
	}

	r.log.Info("Active version key is not found. Try to set new one", slog.String("version", KeyVersion1))

	if err = r.cl.Set(ctx, getKey(KeyPrefix, KeyActiveVersion), KeyVersion1, 0).Err(); err != nil {
		return KeyEmpty, KeyEmpty, fmt.Errorf("cannot set version key: %w", err)
	}

	return KeyVersion1, KeyVersion2, nil
}

func (r *resourceRepository) getActiveVersion() string {
	return r.ver.Load().(string)
}

func encodeRecord(res entity.Resource) string {
	return strings.Join([]string{
		strconv.FormatInt(res.LastModified.UnixNano(), 10),
		strconv.FormatInt(res.Length, 10),
		res.MIMEType,
	}, recordSeparator)
}

func decodeRecord(id, record string) (entity.Resource, error) {
	parts := strings.SplitN(record, recordSeparator, 3)
	if len(parts) != 3 {
		return entity.Resource{}, common.ErrInvalidResourceRecordError
	}

	modified, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return entity.Resource{}, fmt.Errorf("%w: bad modification time: %w", common.ErrInvalidResourceRecordError, err)
	}

	length, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return entity.Resource{}, fmt.Errorf("%w: bad length: %w", common.ErrInvalidResourceRecordError, err)
	}

	return entity.Resource{
		Identifier:   id,
		LastModified: time.Unix(0, modified).UTC(),
		Length:       length,
		MIMEType:     parts[2],
	}, nil
}

// classify marks network failures and timeouts as transient.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &common.TransientError{Err: err}
	}

	return err
}

func getKey(keys ...string) string {
	return strings.Join(keys, KeySeparator)
}
