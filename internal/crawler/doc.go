// Package crawler expands a set of seed videos into a bounded discovery graph
// by following related-video edges, optionally feeding every recorded node to
// the download pipeline as it is found.
package crawler
