/*
Package observability turns planner lifecycle hooks into Prometheus metrics.

Metrics registers its collectors on a private registry, so several services can
run in one process (tests included) without clashing on the default registry.
*/
package observability
