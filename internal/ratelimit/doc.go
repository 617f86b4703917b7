// Package ratelimit is the admission-control layer of the edge: every
// request is charged against a per-client sliding-window budget before any
// routing or proxying happens.
//
// Budgets are keyed by client address plus request path (plus method for
// writes), so a client hammering one endpoint does not burn its budget for
// the rest of the API, and no client can burn anyone else's. Five
// compiled-in presets cover the product surface; auth is the strictest,
// read the loosest.
//
// The counter is a two-bucket sliding window: the previous window's count
// decays linearly as the current window fills. That keeps memory at
// O(tracked keys) with no timestamp logs, while avoiding the
// double-burst-at-the-boundary artifact of a plain fixed window.
//
// The default store is in-memory and single-instance; RedisStore is the
// drop-in replacement when several edge instances must share budgets.
//
// What this does not protect against: distributed floods across many
// addresses (Throttle is the coarse backstop for that), and bandwidth-bill
// attacks, since the bytes are already on the wire by the time this runs.
package ratelimit
