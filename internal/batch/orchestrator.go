// Package batch fans a list of URLs out through the fetch pipeline in
// concurrency-bounded waves, retrying each failed item once and enforcing
// per-invocation resource ceilings.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgefetch/edgefetch/internal/metrics"
	"github.com/edgefetch/edgefetch/internal/relay"
)

// skippedBody explains a slot finalized without a fetch.
const skippedBody = "resource limit"

// defaultConcurrency is the wave width when none is configured.
const defaultConcurrency = 6

// Runner fetches one URL and classifies the outcome as a value; it never
// fails the wave.
type Runner interface {
	Fetch(ctx context.Context, rawURL string) relay.BatchResult
}

// Config controls orchestrator behavior.
type Config struct {
	// Concurrency is the wave width. Zero means 6.
	Concurrency int

	// Limits caps total work per invocation. Zero fields disable the
	// corresponding ceiling.
	Limits relay.ResourceLimits

	// Topic receives the completion summary. Empty uses the publisher's
	// default.
	Topic string

	// ArchiveEnabled persists successful bodies to the blob store after the
	// batch completes.
	ArchiveEnabled bool
	ArchivePrefix  string
}

// Orchestrator runs batches. One Run call owns its queue, results, and
// retried set exclusively; the orchestrator itself is safe for concurrent
// Run calls.
type Orchestrator struct {
	runner    Runner
	publisher relay.Publisher
	blobs     relay.BlobStore
	hasher    relay.Hasher
	idGen     relay.IDGenerator
	clock     relay.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. publisher and blobs may be nil to disable
// completion events and archiving.
func New(
	cfg Config,
	runner Runner,
	publisher relay.Publisher,
	blobs relay.BlobStore,
	hasher relay.Hasher,
	idGen relay.IDGenerator,
	clock relay.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "batches"
	}
	return &Orchestrator{
		runner:    runner,
		publisher: publisher,
		blobs:     blobs,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("batch"),
	}
}

// Run fetches every URL and returns one result per input, in input order.
// Per-item failures are values; Run itself never fails. Each failed item is
// retried at most once, and once cumulative usage meets either resource
// ceiling the remaining queue is finalized as skipped without further
// network calls.
func (o *Orchestrator) Run(ctx context.Context, urls []string) []relay.BatchResult {
	start := o.now()
	batchID := o.newBatchID()
	logger := o.logger.With(zap.String("batch_id", batchID), zap.Int("urls", len(urls)))

	queue := make([]relay.FetchTask, 0, len(urls))
	for i, u := range urls {
		queue = append(queue, relay.FetchTask{URL: u, Index: i})
	}
	results := make([]relay.BatchResult, len(urls))
	retried := make(map[int]struct{})

	drained := false
	for len(queue) > 0 {
		usage := relay.ResourceUsage{
			MemoryBytes: completedMemory(results),
			Subrequests: len(urls) - len(queue) + len(retried),
		}
		if usage.Exceeded(o.cfg.Limits) {
			logger.Warn("resource ceiling reached, draining queue",
				zap.Int64("memory_bytes", usage.MemoryBytes),
				zap.Int("subrequests", usage.Subrequests),
				zap.Int("remaining", len(queue)),
			)
			o.drain(queue, results)
			drained = true
			break
		}

		width := o.cfg.Concurrency
		if width > len(queue) {
			width = len(queue)
		}
		wave := queue[:width]
		queue = queue[width:]

		outcomes := o.runWave(ctx, wave)

		for i, task := range wave {
			outcome := outcomes[i]
			if o.shouldRetry(task, outcome, retried) {
				retried[task.Index] = struct{}{}
				queue = append(queue, relay.FetchTask{URL: task.URL, Index: task.Index, IsRetry: true})
				continue
			}
			results[task.Index] = outcome
		}
	}

	o.finalize(urls, results)

	duration := o.now().Sub(start)
	metrics.ObserveBatch(duration)

	summary := summarize(batchID, results, retried, len(urls), duration, o.now())
	logger.Info("batch complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("blocked", summary.Blocked),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("drained", drained),
		zap.Duration("duration", duration),
	)

	o.publish(ctx, summary)
	o.archive(ctx, batchID, results)
	return results
}

// runWave dispatches every task concurrently and waits for all of them;
// one slow or failing task never aborts its siblings.
func (o *Orchestrator) runWave(ctx context.Context, wave []relay.FetchTask) []relay.BatchResult {
	outcomes := make([]relay.BatchResult, len(wave))
	var wg sync.WaitGroup
	for i, task := range wave {
		wg.Add(1)
		go func(slot int, t relay.FetchTask) {
			defer wg.Done()
			outcomes[slot] = o.runner.Fetch(ctx, t.URL)
		}(i, task)
	}
	wg.Wait()
	return outcomes
}

// shouldRetry caps retries at exactly one per original index and never
// retries terminal kinds.
func (o *Orchestrator) shouldRetry(task relay.FetchTask, outcome relay.BatchResult, retried map[int]struct{}) bool {
	if task.IsRetry {
		return false
	}
	if _, done := retried[task.Index]; done {
		return false
	}
	if outcome.Result == relay.ResultBlocked || outcome.Result == relay.ResultSkipped {
		return false
	}
	return outcome.Result == relay.ResultError
}

func (o *Orchestrator) drain(queue []relay.FetchTask, results []relay.BatchResult) {
	for _, task := range queue {
		if results[task.Index].Result != "" {
			continue
		}
		results[task.Index] = skippedResult(task.URL)
	}
}

// finalize fills any slot still unfilled after the queue emptied; this only
// happens via drain or a retry task swallowed by it.
func (o *Orchestrator) finalize(urls []string, results []relay.BatchResult) {
	for i := range results {
		if results[i].Result == "" {
			results[i] = skippedResult(urls[i])
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, summary relay.BatchSummary) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, summary); err != nil {
		o.logger.Warn("publish batch summary failed", zap.String("batch_id", summary.BatchID), zap.Error(err))
	}
}

// archive persists successful bodies under <prefix>/<batchID>/<sha256(url)>.
func (o *Orchestrator) archive(ctx context.Context, batchID string, results []relay.BatchResult) {
	if !o.cfg.ArchiveEnabled || o.blobs == nil || o.hasher == nil {
		return
	}
	for _, result := range results {
		if result.Result != relay.ResultSuccess || result.Body == "" {
			continue
		}
		digest, err := o.hasher.Hash([]byte(result.URL))
		if err != nil {
			o.logger.Warn("hash url failed", zap.String("url", result.URL), zap.Error(err))
			continue
		}
		path := fmt.Sprintf("%s/%s/%s", o.cfg.ArchivePrefix, batchID, digest)
		if _, err := o.blobs.PutObject(ctx, path, "text/html; charset=utf-8", []byte(result.Body)); err != nil {
			o.logger.Warn("archive body failed", zap.String("url", result.URL), zap.Error(err))
		}
	}
}

func (o *Orchestrator) newBatchID() string {
	if o.idGen != nil {
		if id, err := o.idGen.NewID(); err == nil {
			return id
		}
	}
	return fmt.Sprintf("batch-%d", o.now().UnixNano())
}

func (o *Orchestrator) now() time.Time {
	if o.clock != nil {
		return o.clock.Now()
	}
	return time.Now().UTC()
}

// completedMemory sums the UTF-16-equivalent size of every settled body,
// matching how the execution environment meters string memory.
func completedMemory(results []relay.BatchResult) int64 {
	var total int64
	for _, r := range results {
		if r.Result == "" {
			continue
		}
		total += relay.UTF16ByteLen(r.Body)
	}
	return total
}

func summarize(
	batchID string,
	results []relay.BatchResult,
	retried map[int]struct{},
	totalURLs int,
	duration time.Duration,
	completedAt time.Time,
) relay.BatchSummary {
	summary := relay.BatchSummary{
		BatchID:     batchID,
		URLCount:    totalURLs,
		Subrequests: dispatchedCount(results, retried, totalURLs),
		MemoryBytes: completedMemory(results),
		DurationMs:  duration.Milliseconds(),
		CompletedAt: completedAt,
	}
	for _, r := range results {
		switch r.Result {
		case relay.ResultSuccess:
			summary.Succeeded++
		case relay.ResultError:
			summary.Failed++
		case relay.ResultBlocked:
			summary.Blocked++
		default:
			summary.Skipped++
		}
	}
	return summary
}

// dispatchedCount reports fetch attempts issued, retries included; skipped
// slots never reached the network.
func dispatchedCount(results []relay.BatchResult, retried map[int]struct{}, totalURLs int) int {
	skipped := 0
	for _, r := range results {
		if r.Result == relay.ResultSkipped {
			skipped++
		}
	}
	return totalURLs - skipped + len(retried)
}

func skippedResult(url string) relay.BatchResult {
	return relay.BatchResult{
		URL:        url,
		HTTPStatus: 0,
		Result:     relay.ResultSkipped,
		Body:       skippedBody,
	}
}
