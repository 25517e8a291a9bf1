// Package model defines the data types shared across the account connectors,
// the cache, and the durable sink.
//
// Conventions:
//   - RawValue wraps dynamically-shaped exchange payloads; typed fields are
//     extracted only where a component depends on them.
//   - Timestamps are float64 seconds since Unix epoch, matching the
//     exchange's own wire convention.
//   - IDs: int for account and market ids, string identity keys for trades.
package model
