package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/clock"
	"github.com/zpx01/video-scraper/internal/extract/youtube"
	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/pipeline"
	"github.com/zpx01/video-scraper/internal/progress"
	"github.com/zpx01/video-scraper/internal/worker"
)

// Strategy orders expansion within one depth level.
type Strategy string

// Supported strategies.
const (
	// StrategyBFS expands nodes in discovery order.
	StrategyBFS Strategy = "bfs"
	// StrategyPriority expands children of well-connected parents first.
	StrategyPriority Strategy = "priority"
)

// ErrInvalidSeed is returned for seeds that are neither a video id nor a video URL.
var ErrInvalidSeed = errors.New("invalid seed")

// Config bounds a crawl.
type Config struct {
	MaxVideos int
	// MaxDepth stops expansion below this depth. Zero means unbounded.
	MaxDepth int
	Workers  int
	Strategy Strategy
	// Download submits every recorded node to the pipeline.
	Download bool
	// BloomCapacity enables the membership pre-filter when positive.
	BloomCapacity uint
	BloomFPRate   float64
	Blocklist     *media.Blocklist
}

// Discoverer fetches one node of the graph.
type Discoverer interface {
	Node(ctx context.Context, id string) (media.DiscoveryNode, error)
	WatchURL(id string) string
}

// Submitter accepts recorded nodes as download jobs.
type Submitter interface {
	SubmitJob(ctx context.Context, s pipeline.Submission) (string, error)
}

// Deps are the crawler's collaborators. Limiter, Journal, Progress and Clock
// are optional; Submitter is required when Config.Download is set.
type Deps struct {
	Discoverer Discoverer
	Limiter    worker.Limiter
	Submitter  Submitter
	Journal    *checkpoint.Journal
	Progress   progress.Emitter
	Clock      clock.Clock
}

// Stats is a point-in-time view of a crawl.
type Stats struct {
	// Discovered counts unique ids seen, expanded or not.
	Discovered int `json:"discovered"`
	Recorded   int `json:"recorded"`
	// Processed counts recorded and failed nodes.
	Processed   int           `json:"processed"`
	Submitted   int           `json:"submitted"`
	Errors      int           `json:"errors"`
	Frontier    int           `json:"frontier"`
	Elapsed     time.Duration `json:"elapsed"`
	NodesPerSec float64       `json:"nodes_per_sec"`
}

// Crawler runs a bounded breadth-first traversal. Nodes are recorded level
// by level, so every depth is the minimum distance from a seed.
type Crawler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	seen      *visitedSet
	visited   []string
	frontier  []checkpoint.FrontierEntry
	nodes     []media.DiscoveryNode
	errors    int
	submitted int
	startedAt time.Time
	elapsed   time.Duration
}

// New builds a Crawler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Crawler, error) {
	if deps.Discoverer == nil {
		return nil, errors.New("crawler: discoverer is required")
	}
	if cfg.Download && deps.Submitter == nil {
		return nil, errors.New("crawler: download requires a submitter")
	}
	if cfg.MaxVideos <= 0 {
		return nil, fmt.Errorf("crawler: max videos must be > 0, got %d", cfg.MaxVideos)
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyBFS
	case StrategyBFS, StrategyPriority:
	default:
		return nil, fmt.Errorf("crawler: unknown strategy %q", cfg.Strategy)
	}
	cfg.Workers = max(cfg.Workers, 1)
	if deps.Journal == nil {
		deps.Journal = checkpoint.NewJournal(checkpoint.Nop{}, nil)
	}
	if deps.Progress == nil {
		deps.Progress = nopEmitter{}
	}
	deps.Clock = clock.OrSystem(deps.Clock)
	return &Crawler{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrNop(logger).Named("crawler"),
		seen:   newVisitedSet(cfg.BloomCapacity, cfg.BloomFPRate),
	}, nil
}

// AddSeed queues a video id or video URL at depth 0. Seeds already seen are ignored.
func (c *Crawler) AddSeed(seed string) error {
	id, ok := youtube.ParseID(seed)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSeed, seed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen.Add(id) {
		c.frontier = append(c.frontier, checkpoint.FrontierEntry{ID: id})
	}
	return nil
}

// AddSeeds queues every seed, stopping at the first invalid one.
func (c *Crawler) AddSeeds(seeds []string) error {
	for _, s := range seeds {
		if err := c.AddSeed(s); err != nil {
			return err
		}
	}
	return nil
}

// result is the outcome of expanding one frontier entry.
type result struct {
	entry checkpoint.FrontierEntry
	node  media.DiscoveryNode
	err   error
}

// Run expands the frontier until MaxVideos nodes are recorded or the
// frontier is empty. Node failures are counted and skipped. On cancellation
// unexpanded entries stay in the frontier and the state is checkpointed
// before ctx's error is returned.
func (c *Crawler) Run(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = c.deps.Clock.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.elapsed += c.deps.Clock.Now().Sub(c.startedAt)
		c.startedAt = time.Time{}
		c.mu.Unlock()
	}()

	for {
		batch := c.nextBatch()
		if len(batch) == 0 {
			break
		}
		results := c.expand(ctx, batch)
		recorded := c.apply(results, ctx.Err() != nil)
		if err := c.submit(ctx, recorded); err != nil {
			return c.interrupt(ctx, err)
		}
		if err := c.save(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return c.interrupt(ctx, context.Cause(ctx))
		}
	}

	stats := c.Stats()
	c.logger.Info("crawl finished",
		zap.Int("recorded", stats.Recorded),
		zap.Int("errors", stats.Errors),
		zap.Int("frontier", stats.Frontier),
		zap.Int("submitted", stats.Submitted),
	)
	return nil
}

func (c *Crawler) interrupt(ctx context.Context, cause error) error {
	if err := c.save(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	c.logger.Info("crawl interrupted", zap.Int("frontier", c.Stats().Frontier), zap.Error(cause))
	return fmt.Errorf("crawl interrupted: %w", cause)
}

// nextBatch takes up to the remaining budget from the shallowest level.
func (c *Crawler) nextBatch() []checkpoint.FrontierEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := c.cfg.MaxVideos - len(c.nodes)
	if budget <= 0 || len(c.frontier) == 0 {
		return nil
	}
	depth := c.frontier[0].Depth
	level := 0
	for level < len(c.frontier) && c.frontier[level].Depth == depth {
		level++
	}
	if c.cfg.Strategy == StrategyPriority {
		slices.SortStableFunc(c.frontier[:level], func(a, b checkpoint.FrontierEntry) int {
			return b.Edges - a.Edges
		})
	}
	n := min(level, budget, c.cfg.Workers*4)
	return slices.Clone(c.frontier[:n])
}

// expand fetches the batch concurrently. Results keep batch order.
func (c *Crawler) expand(ctx context.Context, batch []checkpoint.FrontierEntry) []result {
	results := make([]result, len(batch))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, entry := range batch {
		g.Go(func() error {
			node, err := c.fetch(ctx, entry.ID)
			results[i] = result{entry: entry, node: node, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Crawler) fetch(ctx context.Context, id string) (media.DiscoveryNode, error) {
	if err := ctx.Err(); err != nil {
		return media.DiscoveryNode{}, err
	}
	watchURL := c.deps.Discoverer.WatchURL(id)
	if err := c.cfg.Blocklist.Check(watchURL); err != nil {
		return media.DiscoveryNode{}, err
	}
	if c.deps.Limiter != nil {
		domain, err := media.Domain(watchURL)
		if err != nil {
			return media.DiscoveryNode{}, media.Permanent("crawl node", err)
		}
		permit, err := c.deps.Limiter.Admit(ctx, domain)
		if err != nil {
			return media.DiscoveryNode{}, err
		}
		defer permit.Release()
		node, err := c.deps.Discoverer.Node(ctx, id)
		if after := media.RetryAfterOf(err); after > 0 {
			c.deps.Limiter.Penalize(domain, c.deps.Clock.Now().Add(after))
		}
		return node, err
	}
	return c.deps.Discoverer.Node(ctx, id)
}

// apply records the batch in order and queues unseen related ids one level
// deeper. When the crawl was cancelled, entries that failed with the
// cancellation stay at the head of the frontier.
func (c *Crawler) apply(results []result, cancelled bool) (recorded []media.DiscoveryNode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var retained []checkpoint.FrontierEntry
	var children []checkpoint.FrontierEntry
	for _, r := range results {
		logger := c.logger.With(zap.String("node_id", r.entry.ID), zap.Int("depth", r.entry.Depth))
		switch {
		case r.err != nil && cancelled && media.IsCancellation(r.err):
			retained = append(retained, r.entry)
			continue
		case r.err != nil:
			c.errors++
			c.visited = append(c.visited, r.entry.ID)
			metrics.ObserveCrawlNode("failed")
			logger.Warn("expand node failed", zap.String("kind", media.KindOf(r.err).String()), zap.Error(r.err))
			continue
		}

		node := r.node
		node.VideoID = r.entry.ID
		node.Depth = r.entry.Depth
		node.ParentID = r.entry.ParentID
		if node.DiscoveredAt.IsZero() {
			node.DiscoveredAt = c.deps.Clock.Now()
		}
		c.nodes = append(c.nodes, node)
		c.visited = append(c.visited, node.VideoID)
		recorded = append(recorded, node)
		metrics.ObserveCrawlNode("recorded")
		c.deps.Progress.Emit(progress.Event{
			Stage: progress.StageNodeRecorded, NodeID: node.VideoID, Depth: node.Depth, URL: node.URL,
		})
		logger.Debug("node recorded", zap.Int("related", len(node.RelatedIDs)))

		if c.cfg.MaxDepth > 0 && node.Depth >= c.cfg.MaxDepth {
			continue
		}
		for _, rel := range node.RelatedIDs {
			if !c.seen.Add(rel) {
				continue
			}
			children = append(children, checkpoint.FrontierEntry{
				ID:       rel,
				Depth:    node.Depth + 1,
				ParentID: node.VideoID,
				Edges:    len(node.RelatedIDs),
			})
		}
	}

	rest := c.frontier[len(results):]
	frontier := make([]checkpoint.FrontierEntry, 0, len(retained)+len(rest)+len(children))
	frontier = append(frontier, retained...)
	frontier = append(frontier, rest...)
	c.frontier = append(frontier, children...)
	return recorded
}

// submit hands recorded nodes to the pipeline. A full queue blocks here,
// which throttles discovery to the download rate.
func (c *Crawler) submit(ctx context.Context, nodes []media.DiscoveryNode) error {
	if !c.cfg.Download {
		return nil
	}
	for _, node := range nodes {
		_, err := c.deps.Submitter.SubmitJob(ctx, pipeline.Submission{
			ID:    node.VideoID,
			URL:   node.URL,
			Depth: node.Depth,
			Edges: len(node.RelatedIDs),
		})
		switch {
		case err == nil:
			c.mu.Lock()
			c.submitted++
			c.mu.Unlock()
		case errors.Is(err, pipeline.ErrDuplicate):
		case media.IsCancellation(err), media.KindOf(err) == media.KindFatal,
			errors.Is(err, pipeline.ErrSealed), errors.Is(err, pipeline.ErrInterrupted):
			return fmt.Errorf("submit %s: %w", node.VideoID, err)
		default:
			c.logger.Warn("submit node failed", zap.String("node_id", node.VideoID), zap.Error(err))
		}
	}
	return nil
}

// Nodes returns the recorded nodes in recording order.
func (c *Crawler) Nodes() []media.DiscoveryNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.nodes)
}

// Stats returns a point-in-time view of the crawl.
func (c *Crawler) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Discovered: c.seen.Len(),
		Recorded:   len(c.nodes),
		Processed:  len(c.visited),
		Submitted:  c.submitted,
		Errors:     c.errors,
		Frontier:   len(c.frontier),
		Elapsed:    c.elapsed,
	}
	if !c.startedAt.IsZero() {
		s.Elapsed += c.deps.Clock.Now().Sub(c.startedAt)
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.NodesPerSec = float64(s.Recorded) / secs
	}
	return s
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}
