package crawler

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/checkpoint"
	"github.com/zpx01/video-scraper/internal/media"
)

// State returns the crawl part of a checkpoint.
func (c *Crawler) State() *checkpoint.CrawlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &checkpoint.CrawlState{
		Visited:  slices.Clone(c.visited),
		Frontier: slices.Clone(c.frontier),
		Nodes:    slices.Clone(c.nodes),
		Errors:   c.errors,
	}
}

// Restore replaces the crawl state with a saved one. Recorded nodes are
// never expanded again; the frontier picks up where it stopped.
func (c *Crawler) Restore(state *checkpoint.CrawlState) {
	if state == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = newVisitedSet(c.cfg.BloomCapacity, c.cfg.BloomFPRate)
	c.visited = slices.Clone(state.Visited)
	c.nodes = slices.Clone(state.Nodes)
	c.errors = state.Errors
	c.frontier = c.frontier[:0]
	for _, id := range c.visited {
		c.seen.Add(id)
	}
	for _, node := range c.nodes {
		c.seen.Add(node.VideoID)
		for _, rel := range node.RelatedIDs {
			// Related ids of nodes at the depth limit were never queued.
			if c.cfg.MaxDepth == 0 || node.Depth < c.cfg.MaxDepth {
				c.seen.Add(rel)
			}
		}
	}
	for _, entry := range state.Frontier {
		c.seen.Add(entry.ID)
		c.frontier = append(c.frontier, entry)
	}
	slices.SortStableFunc(c.frontier, func(a, b checkpoint.FrontierEntry) int { return a.Depth - b.Depth })
	c.logger.Info("restored crawl state",
		zap.Int("nodes", len(c.nodes)),
		zap.Int("frontier", len(c.frontier)),
		zap.Int("errors", c.errors),
	)
}

// save writes the crawl part of the checkpoint.
func (c *Crawler) save(ctx context.Context) error {
	if err := c.deps.Journal.SaveCrawl(ctx, c.State()); err != nil {
		return media.Fatal("checkpoint crawl", err)
	}
	return nil
}
