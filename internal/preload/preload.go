// Package preload warms the gem cache of one upstream with every archive
// listed in its spec index. Entries are windowed by skip/limit, fed in index
// order to a fixed pool of workers, and fetched only when not already cached.
// Per-entry failures never abort the batch; they are returned together once
// every worker has finished.
package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/indirect/gemstash/internal/fetch"
	"github.com/indirect/gemstash/internal/logging"
	"github.com/indirect/gemstash/internal/metrics"
	"github.com/indirect/gemstash/internal/specs"
	"github.com/indirect/gemstash/internal/storage"
	"github.com/indirect/gemstash/internal/upstream"
)

const (
	// DefaultThreads 是未指定并发度时的 worker 数量。
	DefaultThreads = 20
	// Unlimited 作为 Window 的 limit 时不限制数量。
	Unlimited = -1

	// CacheScope 与 GemProperty 决定归档在存储中的位置：gem_cache/<identifier>/<fullname>/gem。
	CacheScope  = "gem_cache"
	GemProperty = "gem"
)

// Options 控制窗口、并发与限速。
type Options struct {
	Skip int
	// Limit 为 nil 时不限制数量；指向 0 表示不下载任何条目。
	Limit   *int
	Threads int
	// Latest / Prerelease 选择要读取的索引文件，二者互斥。
	Latest     bool
	Prerelease bool
	// RateLimit 为每秒最多发起的归档请求数，<=0 表示不限速。
	RateLimit float64
	Logger    logrus.FieldLogger
	Metrics   *metrics.Registry
}

// DefaultOptions 返回不限数量、DefaultThreads 并发的选项，与零值 Options 等价。
func DefaultOptions() Options {
	return Options{Threads: DefaultThreads}
}

// LimitTo 返回用于 Options.Limit 的上限，负数等价于不限制。
func LimitTo(n int) *int {
	return &n
}

// EntryError 记录单个条目的失败。
type EntryError struct {
	Key string
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("preload %s: %v", e.Key, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Result 汇总一次预热运行。
type Result struct {
	RunID      string
	Upstream   string
	Total      int
	Selected   int
	Fetched    int
	Cached     int
	Duplicates int
	Failures   []*EntryError
	Duration   time.Duration
}

// Preloader 针对单个上游执行预热。
type Preloader struct {
	source  *upstream.Source
	getter  fetch.Getter
	store   storage.Store
	opts    Options
	logger  logrus.FieldLogger
	limiter *rate.Limiter
}

// New 将 store 限定到 gem_cache/<identifier>；getter 需要自行附带上游凭证。
func New(source *upstream.Source, getter fetch.Getter, store storage.Store, opts Options) *Preloader {
	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}
	p := &Preloader{
		source: source,
		getter: getter,
		store:  store.Scope(CacheScope).Scope(source.Identifier()),
		opts:   opts,
	}
	p.logger = logging.OrDiscard(opts.Logger).WithFields(logrus.Fields{
		"upstream":   source.Host(),
		"identifier": source.Identifier(),
	})
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// Store 返回该上游的归档缓存命名空间。
func (p *Preloader) Store() storage.Store {
	return p.store
}

// FetchSpecs 下载并解析所选索引，保持索引中的原始顺序。
func (p *Preloader) FetchSpecs(ctx context.Context) ([]specs.Tuple, error) {
	filename, err := specs.NewFilename(specs.Selection{Latest: p.opts.Latest, Prerelease: p.opts.Prerelease})
	if err != nil {
		return nil, err
	}
	data, err := p.getter.Get(ctx, p.source.URL(filename.String(), ""), nil)
	if err != nil {
		return nil, err
	}
	tuples, err := specs.DecodeIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return tuples, nil
}

// Window 返回 [skip, skip+limit) 与 [0, total) 的交集。
func Window(total, skip, limit int) (int, int) {
	start := skip
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if limit >= 0 && start+limit < end {
		end = start + limit
	}
	return start, end
}

// Run 执行预热。索引获取失败直接返回错误；条目失败记录在 Result.Failures，
// 并以 multierr 聚合后作为 error 返回。
func (p *Preloader) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	tuples, err := p.FetchSpecs(ctx)
	if err != nil {
		return nil, err
	}

	limit := Unlimited
	if p.opts.Limit != nil {
		limit = *p.opts.Limit
	}
	start, end := Window(len(tuples), p.opts.Skip, limit)
	selected := tuples[start:end]

	result := &Result{
		RunID:    uuid.NewString(),
		Upstream: p.source.Identifier(),
		Total:    len(tuples),
		Selected: len(selected),
	}
	logger := p.logger.WithField("run_id", result.RunID)
	logger.WithFields(logrus.Fields{
		"action":   "preload_start",
		"total":    result.Total,
		"selected": result.Selected,
		"threads":  p.opts.Threads,
	}).Info("preload started")

	threads := p.opts.Threads
	if threads > len(selected) {
		threads = len(selected)
	}

	var (
		mu   sync.Mutex
		seen sync.Map
		wg   sync.WaitGroup
	)
	record := func(fn func(r *Result)) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	jobs := make(chan specs.Tuple)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tuple := range jobs {
				key := tuple.FullName()
				if _, dup := seen.LoadOrStore(key, struct{}{}); dup {
					record(func(r *Result) { r.Duplicates++ })
					continue
				}
				outcome, err := p.preloadOne(ctx, key)
				p.opts.Metrics.PreloadGem(result.Upstream, outcome)
				if err != nil {
					logger.WithFields(logrus.Fields{"action": "preload_gem", "gem": key}).
						WithError(err).Warn("preload gem failed")
					record(func(r *Result) { r.Failures = append(r.Failures, &EntryError{Key: key, Err: err}) })
					continue
				}
				logger.WithFields(logrus.Fields{"action": "preload_gem", "gem": key, "outcome": outcome}).Debug("preload gem")
				record(func(r *Result) {
					if outcome == metrics.OutcomeCached {
						r.Cached++
					} else {
						r.Fetched++
					}
				})
			}
		}()
	}

	var cancelErr error
feed:
	for _, tuple := range selected {
		select {
		case jobs <- tuple:
		case <-ctx.Done():
			cancelErr = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	result.Duration = time.Since(started)
	logger.WithFields(logrus.Fields{
		"action":      "preload_finish",
		"fetched":     result.Fetched,
		"cached":      result.Cached,
		"failed":      len(result.Failures),
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("preload finished")

	errs := make([]error, 0, len(result.Failures)+1)
	for _, failure := range result.Failures {
		errs = append(errs, failure)
	}
	errs = append(errs, cancelErr)
	return result, multierr.Combine(errs...)
}

// preloadOne 已缓存时不发起网络请求。
func (p *Preloader) preloadOne(ctx context.Context, key string) (string, error) {
	resource := p.store.Resource(key)
	exists, err := resource.Exist(ctx, GemProperty)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if exists {
		return metrics.OutcomeCached, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return metrics.OutcomeFailed, err
		}
	}

	data, err := p.getter.Get(ctx, p.source.URL("gems/"+key+".gem", ""), nil)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if err := resource.Save(ctx, map[string][]byte{GemProperty: data}); err != nil {
		return metrics.OutcomeFailed, err
	}
	return metrics.OutcomeFetched, nil
}

// Failures 从 Run 返回的聚合错误中取出各条目错误。
func Failures(err error) []*EntryError {
	var out []*EntryError
	for _, e := range multierr.Errors(err) {
		var entry *EntryError
		if errors.As(e, &entry) {
			out = append(out, entry)
		}
	}
	return out
}
