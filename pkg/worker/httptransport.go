// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/rpc"
)

// HTTPInvoke calls one worker over the HTTP transport: a POST to its invoke
// URL with the encoded request as the body. A fire-and-forget acceptance
// comes back as an empty body and yields a nil result. Load balancing and
// retry are the caller's concern on this transport; persistent links use
// Connection instead.
func HTTPInvoke(ctx context.Context, client *http.Client, url, method string, params map[string]any, wire codec.Codec) (any, error) {
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := wire.Encode(rpc.WorkerRequest{Method: method, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", wire.MIME())

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxInvokeBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read worker reply: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var resp rpc.Response
	if err := wire.Decode(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode worker reply: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
