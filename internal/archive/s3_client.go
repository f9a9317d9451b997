// Package archive is the COLD tier: gzip-compressed JSON turn records in S3,
// plus the plain blob primitives other readers of the bucket build on.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"mesh-assistant/internal/domain"
)

const (
	defaultPrefix    = "conversations/"
	defaultRetention = 90 * 24 * time.Hour
	backendName      = "s3"
	objectSuffix     = ".json.gz"
	maxObjectBytes   = 8 << 20
)

// s3API is the minimal S3 interface required by Client.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Object describes one listed key.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client stores archived turns in one bucket under a key prefix.
type Client struct {
	api       s3API
	bucket    string
	prefix    string
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger

	available atomic.Bool
}

type Option func(*Client)

// WithPrefix sets the key prefix for archived turns. A trailing slash is added.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		prefix = strings.Trim(strings.TrimSpace(prefix), "/")
		if prefix != "" {
			c.prefix = prefix + "/"
		}
	}
}

// WithRetention bounds how far back Search reads.
func WithRetention(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new archive Client.
func New(api s3API, bucket string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("archive: api must not be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("archive: bucket must not be empty")
	}
	c := &Client{
		api:       api,
		bucket:    bucket,
		prefix:    defaultPrefix,
		retention: defaultRetention,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.available.Store(true)
	return c, nil
}

func (c *Client) Level() domain.Tier { return domain.TierCold }

func (c *Client) Backend() string { return backendName }

func (c *Client) Available() bool { return c.available.Load() }

// Ping checks the bucket and updates availability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		c.available.Store(false)
		return fmt.Errorf("archive: Ping: %w", err)
	}
	c.available.Store(true)
	return nil
}

func (c *Client) observe(err error) {
	if err == nil {
		c.available.Store(true)
		return
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) {
		return
	}
	if c.available.Swap(false) {
		c.log.Warn().Err(err).Str("tier", "cold").Msg("s3 unreachable; marking tier unavailable")
	}
}

// userPrefix is the key prefix of one user partition. The user ID is path
// escaped so it can never reach into another partition.
func (c *Client) userPrefix(userID string) string {
	return c.prefix + url.PathEscape(userID) + "/"
}

func (c *Client) objectKey(rec domain.Record) string {
	ts := rec.Timestamp.UTC()
	return fmt.Sprintf("%s%s/%d_%s%s", c.userPrefix(rec.UserID), ts.Format("2006-01-02"), ts.UnixNano(), url.PathEscape(rec.ID), objectSuffix)
}

// keyTime extracts the timestamp embedded in an object key.
func keyTime(key string) (time.Time, bool) {
	base := key[strings.LastIndex(key, "/")+1:]
	nanos, _, ok := strings.Cut(base, "_")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

func keyHasID(key, id string) bool {
	return strings.HasSuffix(key, "_"+url.PathEscape(id)+objectSuffix)
}

// Put writes body under key verbatim.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	_, err := c.api.PutObject(ctx, in)
	c.observe(err)
	if err != nil {
		return fmt.Errorf("archive: Put %q: %w", key, err)
	}
	return nil
}

// Get reads the object at key. Missing keys return domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe(err)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("archive: Get %q: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("archive: Get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	buf, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("archive: read %q: %w", key, err)
	}
	return buf, nil
}

// ListByPrefix returns every object under prefix in key order.
func (c *Client) ListByPrefix(ctx context.Context, prefix string) ([]Object, error) {
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	var objects []Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		c.observe(err)
		if err != nil {
			return nil, fmt.Errorf("archive: list %q: %w", prefix, err)
		}
		for _, o := range page.Contents {
			obj := Object{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
			if o.LastModified != nil {
				obj.LastModified = *o.LastModified
			}
			objects = append(objects, obj)
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Save archives a turn as a gzip JSON record.
func (c *Client) Save(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.UserID == "" || turn.ID == "" {
		return errors.New("archive: Save: user ID and turn ID are required")
	}
	rec := turn.ToRecord()
	body, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("archive: Save: %w", err)
	}
	if err := c.Put(ctx, c.objectKey(rec), body, "application/gzip"); err != nil {
		return fmt.Errorf("archive: Save: %w", err)
	}
	return nil
}

// Search reads the newest archived turns of one user. Objects older than the
// retention window and objects that fail to decode are skipped.
func (c *Client) Search(ctx context.Context, q domain.HistoryQuery) ([]domain.ConversationTurn, error) {
	if q.UserID == "" {
		return nil, errors.New("archive: Search: user ID is required")
	}
	if q.Limit <= 0 {
		return nil, nil
	}
	objects, err := c.ListByPrefix(ctx, c.userPrefix(q.UserID))
	if err != nil {
		return nil, fmt.Errorf("archive: Search: %w", err)
	}
	cutoff := c.now().Add(-c.retention)

	type candidate struct {
		key string
		ts  time.Time
	}
	candidates := make([]candidate, 0, len(objects))
	for _, o := range objects {
		ts, ok := keyTime(o.Key)
		if !ok || ts.Before(cutoff) || !q.Matches(ts) {
			continue
		}
		candidates = append(candidates, candidate{key: o.Key, ts: ts})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ts.After(candidates[j].ts) })

	turns := make([]domain.ConversationTurn, 0, q.Limit)
	for _, cand := range candidates {
		if len(turns) >= q.Limit {
			break
		}
		rec, err := c.readRecord(ctx, cand.key)
		if err != nil {
			if ctx.Err() != nil {
				return turns, ctx.Err()
			}
			c.log.Warn().Err(err).Str("tier", "cold").Str("key", cand.key).Msg("skipping unreadable archive object")
			continue
		}
		if rec.UserID != q.UserID {
			continue
		}
		turns = append(turns, rec.Turn(domain.TierCold))
	}
	return turns, nil
}

// Load reads one archived turn by ID.
func (c *Client) Load(ctx context.Context, userID, turnID string) (domain.ConversationTurn, error) {
	key, err := c.findKey(ctx, userID, turnID)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("archive: Load: %w", err)
	}
	rec, err := c.readRecord(ctx, key)
	if err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("archive: Load: %w", err)
	}
	return rec.Turn(domain.TierCold), nil
}

// Delete removes one archived turn.
func (c *Client) Delete(ctx context.Context, userID, turnID string) error {
	key, err := c.findKey(ctx, userID, turnID)
	if err != nil {
		return fmt.Errorf("archive: Delete: %w", err)
	}
	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	c.observe(err)
	if err != nil {
		return fmt.Errorf("archive: Delete: %w", err)
	}
	return nil
}

func (c *Client) findKey(ctx context.Context, userID, turnID string) (string, error) {
	if userID == "" || turnID == "" {
		return "", errors.New("user ID and turn ID are required")
	}
	objects, err := c.ListByPrefix(ctx, c.userPrefix(userID))
	if err != nil {
		return "", err
	}
	for _, o := range objects {
		if keyHasID(o.Key, turnID) {
			return o.Key, nil
		}
	}
	return "", domain.ErrNotFound
}

func (c *Client) readRecord(ctx context.Context, key string) (domain.Record, error) {
	body, err := c.Get(ctx, key)
	if err != nil {
		return domain.Record{}, err
	}
	return decodeRecord(body)
}

func encodeRecord(rec domain.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(body []byte) (domain.Record, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return domain.Record{}, fmt.Errorf("decompress record: %w", err)
	}
	defer func() { _ = zr.Close() }()
	var rec domain.Record
	if err := json.NewDecoder(zr).Decode(&rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.ID == "" || rec.UserID == "" {
		return domain.Record{}, errors.New("decode record: missing id or userId")
	}
	return rec, nil
}
