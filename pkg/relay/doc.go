// Copyright 2025-2026 Mukhammad-develop

// Package relay implements the multi-account message relay engine: a
// supervisor reconciling per-account workers against the configuration
// store, and per-worker forwarding loops that filter, transform and
// deliver messages from source feeds to target feeds with durable
// checkpoints, one-time backfill and deletion synchronization.
//
// The engine talks to the remote messaging service exclusively through
// the Transport interface; see package gateway for the production
// implementation.
package relay
