// Package objectstore implements the Object-Store Backend: it replicates
// CacheDir into a bucket under an optional key prefix and, when a CDN
// distribution is configured, issues cache invalidations after a build's
// remote objects are replaced or deleted (the first upload of a new build
// is not invalidated). It performs full reconciliation before entering its
// per-event dispatch loop, the same shape as the Cache Manager's own
// sync/incremental split.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/backend"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/extractor"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
	"github.com/picoCTF/cmgr-artifact-server/pkg/watch"
)

// preflightKey is the object used for the startup permission preflight; it
// is uploaded, fetched, and deleted before any live event is processed.
const preflightKey = "iam_test"

// preflightContents is written to preflightKey during the preflight check.
const preflightContents = "test contents"

// s3API is the subset of *s3.Client this package calls. Depending on the
// interface rather than the concrete client lets tests substitute a fake
// without making real network calls.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// cfAPI is the subset of *cloudfront.Client this package calls.
type cfAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, opts ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// Backend replicates CacheDir into a bucket, optionally invalidating a
// CloudFront distribution after a build's remote objects are replaced or
// deleted.
type Backend struct {
	bucket         string
	prefix         string
	distributionID string

	s3     s3API
	cf     cfAPI
	logger *logging.Logger
}

// normalizePrefix applies the path-prefix normalization rule: leading "/"
// stripped, a non-empty result forced to end with "/", and the sole value
// "/" collapsing to empty.
func normalizePrefix(raw string) string {
	trimmed := strings.TrimPrefix(raw, "/")
	if trimmed == "" {
		return ""
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	return trimmed
}

// New validates options and constructs a Backend. "bucket" is required;
// "path-prefix" and "cloudfront-distribution" are optional.
func New(options backend.Options) (backend.Backend, error) {
	bucket := options["bucket"]
	if bucket == "" {
		return nil, cmgrerrors.NewConfigError(errors.New(`missing required backend option "bucket"`))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, cmgrerrors.NewConfigError(errors.Wrap(err, "load AWS configuration"))
	}

	return &Backend{
		bucket:         bucket,
		prefix:         normalizePrefix(options["path-prefix"]),
		distributionID: options["cloudfront-distribution"],
		s3:             s3.NewFromConfig(cfg),
		cf:             cloudfront.NewFromConfig(cfg),
		logger:         logging.RootLogger.Sublogger("objectstore"),
	}, nil
}

// Run performs the permission preflight, full reconciliation, and then the
// event loop, in that order, per the startup sequence.
func (b *Backend) Run(cacheDir string, events <-chan watch.BuildEvent) error {
	ctx := context.Background()

	if err := b.preflight(ctx); err != nil {
		return err
	}
	if err := b.synchronize(ctx, cacheDir); err != nil {
		return err
	}

	for event := range events {
		if err := b.handleEvent(ctx, cacheDir, event); err != nil {
			return err
		}
	}
	return nil
}

// preflight exercises one of each primitive operation against the target,
// surfacing misconfiguration before any live event arrives.
func (b *Backend) preflight(ctx context.Context) error {
	key := b.prefix + preflightKey
	b.logger.Debugf("preflight: checking bucket %s", b.bucket)

	if _, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	}); err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrap(err, "preflight: list objects"))
	}

	if _, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(preflightContents),
	}); err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrap(err, "preflight: put object"))
	}

	out, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrap(err, "preflight: get object"))
	}
	body, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrap(err, "preflight: read object"))
	}
	if !bytes.Equal(body, []byte(preflightContents)) {
		return cmgrerrors.NewRemoteError(errors.New("preflight: object contents did not round-trip"))
	}

	if _, err := b.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrap(err, "preflight: delete object"))
	}

	if b.distributionID != "" {
		if err := b.invalidatePath("/" + key); err != nil {
			return err
		}
	}

	b.logger.Debugf("preflight: ok")
	return nil
}

// handleEvent dispatches one BuildEvent to its per-event actions.
func (b *Backend) handleEvent(ctx context.Context, cacheDir string, event watch.BuildEvent) error {
	b.logger.Infof("%s", event)

	switch event.Kind {
	case watch.Create:
		return b.uploadEntry(ctx, filepath.Join(cacheDir, event.BuildID), event.BuildID)

	case watch.Update:
		if err := b.deleteRemoteDirectory(ctx, event.BuildID); err != nil {
			return err
		}
		if err := b.uploadEntry(ctx, filepath.Join(cacheDir, event.BuildID), event.BuildID); err != nil {
			return err
		}
		if b.distributionID != "" {
			return b.invalidateBuild(event.BuildID)
		}
		return nil

	case watch.Delete:
		if err := b.deleteRemoteDirectory(ctx, event.BuildID); err != nil {
			return err
		}
		if b.distributionID != "" {
			return b.invalidateBuild(event.BuildID)
		}
		return nil
	}
	return nil
}

// synchronize performs full reconciliation: the remote bucket's set of
// BuildId prefixes is made to equal CacheDir's set of CacheEntry BuildIds,
// with a sentinel byte-compare used to detect CacheEntries that changed
// since the last reconciliation.
func (b *Backend) synchronize(ctx context.Context, cacheDir string) error {
	local, err := localEntries(cacheDir)
	if err != nil {
		return err
	}
	remote, err := b.listRemoteBuildIDs(ctx)
	if err != nil {
		return err
	}

	for id, path := range local {
		if !remote[id] {
			b.logger.Infof("synchronize: uploading new build %s", id)
			if err := b.uploadEntry(ctx, path, id); err != nil {
				return err
			}
			continue
		}

		localSentinel, err := extractor.ReadSentinel(path)
		if err != nil {
			return cmgrerrors.NewIOError(errors.Wrapf(err, "read local sentinel for %s", id))
		}
		remoteSentinel, err := b.getObject(ctx, b.prefix+id+"/"+extractor.SentinelName)
		if err != nil || !bytes.Equal(localSentinel, remoteSentinel) {
			b.logger.Infof("synchronize: re-uploading stale build %s", id)
			if err := b.deleteRemoteDirectory(ctx, id); err != nil {
				return err
			}
			if err := b.uploadEntry(ctx, path, id); err != nil {
				return err
			}
			if b.distributionID != "" {
				if err := b.invalidateBuild(id); err != nil {
					return err
				}
			}
		}
	}

	for id := range remote {
		if _, ok := local[id]; !ok {
			b.logger.Infof("synchronize: removing orphaned remote build %s", id)
			if err := b.deleteRemoteDirectory(ctx, id); err != nil {
				return err
			}
			if b.distributionID != "" {
				if err := b.invalidateBuild(id); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// localEntries enumerates CacheDir's direct subdirectories as a BuildId to
// path mapping.
func localEntries(cacheDir string) (map[string]string, error) {
	dirEntries, err := os.ReadDir(cacheDir)
	if err != nil {
		return nil, cmgrerrors.NewIOError(errors.Wrapf(err, "list cache directory %s", cacheDir))
	}
	entries := make(map[string]string)
	for _, entry := range dirEntries {
		if entry.IsDir() {
			entries[entry.Name()] = filepath.Join(cacheDir, entry.Name())
		}
	}
	return entries, nil
}

// listRemoteBuildIDs lists the bucket under the configured prefix with
// delimiter "/", collecting the common-prefix segment immediately below
// the prefix as the set of remote BuildIds, paging through continuation
// tokens while the response is truncated.
func (b *Backend) listRemoteBuildIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	var token *string

	for {
		out, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, cmgrerrors.NewRemoteError(errors.Wrap(err, "list remote build ids"))
		}

		for _, common := range out.CommonPrefixes {
			if common.Prefix == nil {
				continue
			}
			rel := strings.TrimPrefix(*common.Prefix, b.prefix)
			ids[strings.TrimSuffix(rel, "/")] = true
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	return ids, nil
}

// uploadEntry walks entryPath and puts an object for each regular file,
// keyed by <prefix><buildId>/<pathRelativeToCacheEntry>. The sentinel file
// is uploaded like any other file, since remote reconciliation later
// depends on being able to fetch it.
func (b *Backend) uploadEntry(ctx context.Context, entryPath, buildID string) error {
	return filepath.Walk(entryPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return cmgrerrors.NewIOError(errors.Wrapf(err, "walk cache entry %s", entryPath))
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(entryPath, path)
		if err != nil {
			return cmgrerrors.NewIOError(errors.Wrapf(err, "relativize %s", path))
		}
		key := b.prefix + buildID + "/" + filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			return cmgrerrors.NewIOError(errors.Wrapf(err, "open %s", path))
		}
		defer f.Close()

		if _, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return cmgrerrors.NewRemoteError(errors.Wrapf(err, "upload object %s", key))
		}
		return nil
	})
}

// deleteRemoteDirectory lists objects under <prefix><buildId>/ and, if any
// exist, issues a single batch delete for them. An empty list is a no-op:
// the store rejects an empty-delete call outright. Only the first page of
// the listing is read, so at most 1000 keys are deleted per call.
func (b *Backend) deleteRemoteDirectory(ctx context.Context, buildID string) error {
	prefix := b.prefix + buildID + "/"

	out, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrapf(err, "list objects under %s", prefix))
	}
	if len(out.Contents) == 0 {
		return nil
	}

	objects := make([]s3types.ObjectIdentifier, len(out.Contents))
	for i, obj := range out.Contents {
		objects[i] = s3types.ObjectIdentifier{Key: obj.Key}
	}

	if _, err := b.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &s3types.Delete{Objects: objects},
	}); err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrapf(err, "batch delete under %s", prefix))
	}
	return nil
}

// getObject fetches the raw contents of key, for sentinel comparison.
func (b *Backend) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// invalidateBuild issues a CDN invalidation covering every object under a
// BuildId's remote directory.
func (b *Backend) invalidateBuild(buildID string) error {
	return b.invalidatePath("/" + b.prefix + buildID + "*")
}

// invalidatePath issues one invalidation batch for a single path pattern,
// using the current wall-clock time as a caller reference unique per call.
func (b *Backend) invalidatePath(pattern string) error {
	callerRef := strconv.FormatInt(time.Now().UnixMilli(), 10)
	_, err := b.cf.CreateInvalidation(context.Background(), &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(b.distributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{pattern},
			},
		},
	})
	if err != nil {
		return cmgrerrors.NewRemoteError(errors.Wrapf(err, "invalidate %s", pattern))
	}
	return nil
}
