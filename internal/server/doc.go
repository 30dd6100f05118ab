// Package server hosts the Fiber HTTP service: request-id middleware, panic
// recovery, and the /-/status and /-/metrics diagnostics endpoints. The
// consumer API lives in the routes subpackage so the app can be built and
// tested without it.
package server
