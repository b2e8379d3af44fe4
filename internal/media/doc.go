// Package media defines the types shared by the download pipeline, the
// transfer engine, and the discovery crawler: jobs, chunk ranges, media
// references, discovery nodes, the error taxonomy, and URL helpers.
package media
