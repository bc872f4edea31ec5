// Package discovery implements the CIDS discovery pipeline: crawling app
// discovery endpoints, classifying fields into a versioned permission tree,
// storing immutable tree snapshots, and diffing versions.
package discovery
