// Package observability provides metrics plumbing and the process-local
// metrics collector.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrJobType  = "job_type"
	attrJobState = "job_status"
	attrMode     = "mode"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality: 200-299 -> 2xx, etc.
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func statusNameAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobState, status)
}

func dispatchModeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

// normalizePath replaces dynamic path segments with placeholders so job ids
// do not explode metric cardinality.
func normalizePath(path string) string {
	const jobs = "/v1/jobs/"
	if strings.HasPrefix(path, jobs) && len(path) > len(jobs) {
		rest := path[len(jobs):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return jobs + "{jobId}" + rest[i:]
		}
		return jobs + "{jobId}"
	}
	const datasets = "/v1/datasets/"
	if strings.HasPrefix(path, datasets) && len(path) > len(datasets) {
		rest := path[len(datasets):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return datasets + "{datasetId}" + rest[i:]
		}
		return datasets + "{datasetId}"
	}
	return path
}
