// Package api exposes the fund router over HTTP: agent lifecycle, deposits,
// distributions and read-only queries, plus operational endpoints for resume
// tasks, role management, chain status and metrics.
package api
