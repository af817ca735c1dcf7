package common

import (
	"github.com/apex/log"
)

// RequestParam describes one host API request. It rides in the request context
// so handlers can stamp their log entries with the request's identity.
type RequestParam struct {
	// ID is the request ID assigned at ingress
	ID string `json:"id"`
	// Method is the HTTP method of the request
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags adds the request parameters to an Apex log.Fields map
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = i.URI
}
