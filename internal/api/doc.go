// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the Monitoring API: a chi-routed HTTP
// server exposing read access to Job/Service status, control endpoints for
// cancel/retry, a live Progress Event WebSocket stream, and a Prometheus
// exposition endpoint. Bound to loopback by default and gated by a single
// operator bearer token, not a multi-tenant auth stack. This layer is an
// optional attachment: scheduler.Run is fully usable as a library call with
// the API absent.
package api
