// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package readiness implements the /ready aggregation shared by the
// openTree services: each dependency contributes one named check, and
// the endpoint always answers 200 with the overall verdict in the
// body.
package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Check is the outcome of probing one dependency.
type Check struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Summary is the /ready response body. Ready is true only when every
// check passed.
type Summary struct {
	Ready  bool             `json:"ready"`
	Checks map[string]Check `json:"checks"`
}

// Summarize folds named checks into a Summary.
func Summarize(checks map[string]Check) Summary {
	ready := true
	for _, check := range checks {
		if !check.OK {
			ready = false
			break
		}
	}
	return Summary{Ready: ready, Checks: checks}
}

// CheckHTTPHealth probes a health URL with a short deadline. Any 2xx
// response counts as healthy.
func CheckHTTPHealth(ctx context.Context, url string, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Check{OK: false, Detail: fmt.Sprintf("%s unreachable: %v", url, err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{OK: false, Detail: fmt.Sprintf("%s unreachable: %v", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Check{OK: true, Detail: fmt.Sprintf("%s healthy", url)}
	}
	return Check{OK: false, Detail: fmt.Sprintf("%s unhealthy status=%d", url, resp.StatusCode)}
}
