// Package scheduler walks recent git history and drives the stage runner for
// every commit that still lacks results.
package scheduler
