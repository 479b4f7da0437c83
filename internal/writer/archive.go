// Package writer ships persisted data and runtime events out of the process:
// an S3 parquet archive of persisted batches and a Kafka publisher of cycle
// outcomes.
package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "collectorflow/config"
	"collectorflow/internal/metrics"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

const (
	defaultArchiveFlush  = time.Minute
	defaultArchiveBuffer = 5000
)

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRecord is the parquet schema of archived records.
type archiveRecord struct {
	Collector  string  `parquet:"name=collector, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntityKey  string  `parquet:"name=entity_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Quality    float64 `parquet:"name=quality, type=DOUBLE"`
	Fields     string  `parquet:"name=fields, type=BYTE_ARRAY, convertedtype=UTF8"`
	ArchivedAt int64   `parquet:"name=archived_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// objectPutter is the subset of the S3 client used by the archive.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive buffers persisted records per collector and uploads them to S3 as
// snappy-compressed parquet files. Archiving never fails a cycle: upload
// errors are logged and counted.
type Archive struct {
	client        objectPutter
	bucket        string
	prefix        string
	flushInterval time.Duration
	maxBufferSize int
	log           *logger.Log

	mu        sync.Mutex
	buffer    map[string][]models.Record
	firstSeen map[string]time.Time
	stats     metrics.WriterStats
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	flushNow  chan struct{}
	now       func() time.Time
}

// NewArchive builds the S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS chain applies.
func NewArchive(ctx context.Context, cfg appconfig.S3Config) (*Archive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}
	bucket, err := normalizeBucketName(cfg.Bucket)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := newArchive(client, bucket, cfg.Prefix, cfg.FlushInterval, cfg.MaxBufferSize)
	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
		"prefix":     a.prefix,
	}).Info("archive writer initialized")
	return a, nil
}

func newArchive(client objectPutter, bucket, prefix string, flush time.Duration, maxBuffer int) *Archive {
	if flush <= 0 {
		flush = defaultArchiveFlush
	}
	if maxBuffer <= 0 {
		maxBuffer = defaultArchiveBuffer
	}
	return &Archive{
		client:        client,
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		flushInterval: flush,
		maxBufferSize: maxBuffer,
		log:           logger.GetLogger(),
		buffer:        make(map[string][]models.Record),
		firstSeen:     make(map[string]time.Time),
		flushNow:      make(chan struct{}, 1),
		now:           time.Now,
	}
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

// Wrap returns a persister that writes through next and archives whatever
// next reports as persisted.
func (a *Archive) Wrap(next models.Persister) models.Persister {
	return models.PersisterFunc(func(ctx context.Context, collector string, records []models.Record) (int, error) {
		n, err := next.Persist(ctx, collector, records)
		if n > 0 {
			if n > len(records) {
				n = len(records)
			}
			a.add(collector, records[:n])
		}
		return n, err
	})
}

func (a *Archive) add(collector string, records []models.Record) {
	a.mu.Lock()
	// Hold at most ten buffers worth per collector while uploads lag.
	if len(a.buffer[collector])+len(records) > 10*a.maxBufferSize {
		a.stats.Dropped++
		a.mu.Unlock()
		metrics.EmitDropMetric(a.log, metrics.DropMetricArchiveRecords, collector, "buffer")
		return
	}
	if len(a.buffer[collector]) == 0 {
		a.firstSeen[collector] = a.now()
	}
	a.buffer[collector] = append(a.buffer[collector], records...)
	full := len(a.buffer[collector]) >= a.maxBufferSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushNow <- struct{}{}:
		default:
		}
	}
}

// Start launches the flush worker.
func (a *Archive) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("archive writer already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)

	ticker := a.flushInterval / 4
	if ticker < time.Second {
		ticker = time.Second
	}
	a.wg.Add(1)
	go a.flushWorker(ctx, ticker)

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"flush_interval": a.flushInterval.String(),
		"max_buffer":     a.maxBufferSize,
	}).Info("starting archive writer")
	return nil
}

// Stop ends the worker and uploads whatever is still buffered.
func (a *Archive) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	a.flush(ctx, "stop", true)
	a.log.WithComponent("archive").Info("archive writer stopped")
}

func (a *Archive) flushWorker(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.flushNow:
			a.flush(context.WithoutCancel(ctx), "buffer_full", false)
		case <-ticker.C:
			a.flush(context.WithoutCancel(ctx), "interval", false)
		}
	}
}

// flush uploads the buffers that are full or older than the flush interval,
// or every buffer when all is set.
func (a *Archive) flush(ctx context.Context, reason string, all bool) {
	now := a.now()
	a.mu.Lock()
	ready := make(map[string][]models.Record)
	for collector, recs := range a.buffer {
		if len(recs) == 0 {
			continue
		}
		if all || len(recs) >= a.maxBufferSize || now.Sub(a.firstSeen[collector]) >= a.flushInterval {
			ready[collector] = recs
			delete(a.buffer, collector)
			delete(a.firstSeen, collector)
		}
	}
	a.mu.Unlock()
	if len(ready) == 0 {
		return
	}

	names := make([]string, 0, len(ready))
	for c := range ready {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		a.writeBatch(ctx, c, ready[c], now, reason)
	}

	a.mu.Lock()
	stats := a.stats
	stats.BufferLen = 0
	for _, recs := range a.buffer {
		stats.BufferLen += len(recs)
	}
	stats.BufferCap = a.maxBufferSize * len(names)
	a.mu.Unlock()
	metrics.ReportWriter(a.log, "archive", stats)
}

func (a *Archive) writeBatch(ctx context.Context, collector string, records []models.Record, now time.Time, reason string) {
	log := a.log.WithComponent("archive").WithFields(logger.Fields{"collector": collector, "records": len(records), "reason": reason})

	data, err := encodeParquet(collector, records, now)
	if err != nil {
		a.countError()
		log.WithError(err).Error("failed to encode archive batch")
		return
	}
	key := objectKey(a.prefix, collector, now)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		a.countError()
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload archive batch")
		return
	}

	a.mu.Lock()
	a.stats.BatchesWritten++
	a.stats.FilesWritten++
	a.stats.BytesWritten += int64(len(data))
	a.mu.Unlock()
	log.WithFields(logger.Fields{"s3_key": key, "bytes": len(data)}).Info("archive batch uploaded")
	logger.LogDataFlowEntry(a.log.WithComponent("archive"), "store", "s3", len(records), collector)
}

func (a *Archive) countError() {
	a.mu.Lock()
	a.stats.ErrorsCount++
	a.mu.Unlock()
}

// Stats returns the archive counters.
func (a *Archive) Stats() metrics.WriterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func encodeParquet(collector string, records []models.Record, archivedAt time.Time) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(archiveRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshal fields of %s: %w", rec.EntityKey, err)
		}
		if err := pw.Write(archiveRecord{
			Collector:  collector,
			EntityKey:  rec.EntityKey,
			ObservedAt: rec.ObservedAt.UTC().UnixMilli(),
			Quality:    rec.Quality,
			Fields:     string(fields),
			ArchivedAt: archivedAt.UTC().UnixMilli(),
		}); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey lays files out as <prefix>/collector=<name>/date=YYYY-MM-DD/<uuid>.parquet.
func objectKey(prefix, collector string, at time.Time) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("collector=%s", collector),
		fmt.Sprintf("date=%s", at.UTC().Format("2006-01-02")),
		uuid.NewString()+".parquet",
	)
	return path.Join(parts...)
}
