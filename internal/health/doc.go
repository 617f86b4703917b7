// Package health models the edge's liveness and readiness as composable
// probes.
//
// Liveness is [Healthy]: the process answering HTTP is the signal.
// Readiness is an [All] over whatever the deployment depends on, which
// for the edge means the upstream ping, the Redis health check when a
// shared limiter store is configured, and the [Gate]. [CheckFunc]
// adapts a plain func into a [Probe]; [Any] exists for dependencies with
// redundant backends.
//
// [Gate] sequences draining: flipping it fails readiness first,
// so the load balancer pulls the instance before the listener stops
// accepting.
package health
