package provider

import (
	"strings"

	"finetuner/internal/job"
)

// MapStatus translates the provider's status vocabulary into the internal
// enum. The mapping is exhaustive over the vocabulary the provider
// documents; several queued-like provider states deliberately collapse into
// QUEUED. An unmapped value passes through uppercased instead of being
// silently dropped, so a vocabulary change surfaces as a rejected transition
// rather than a stuck job.
func MapStatus(providerStatus string) job.Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "validated", "queued":
		return job.StatusQueued
	case "running":
		return job.StatusRunning
	case "succeeded":
		return job.StatusSucceeded
	case "failed":
		return job.StatusFailed
	case "cancelled":
		return job.StatusCancelled
	default:
		return job.Status(strings.ToUpper(strings.TrimSpace(providerStatus)))
	}
}
