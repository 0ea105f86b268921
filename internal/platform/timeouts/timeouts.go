// Package timeouts defines shared timeout constants used across the labs
// service and its external adapters.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// ComputeCreate bounds a single instance creation, including operation polling.
const ComputeCreate = 5 * time.Minute

// ComputeDelete bounds a single instance deletion request.
const ComputeDelete = 2 * time.Minute

// GatewayRequest bounds a single remote desktop gateway API call.
const GatewayRequest = 30 * time.Second

// Readiness bounds how long provisioning waits for the desktop port to answer.
const Readiness = 3 * time.Minute

// WorkflowDrain limits how long shutdown waits for provisioning workflows.
const WorkflowDrain = 30 * time.Second
