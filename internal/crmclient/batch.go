package crmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbkchat/convhub/internal/bxencode"
)

const batchChunkSize = 50

// ListParams describes one CallList invocation.
type ListParams struct {
	Filter map[string]any
	Select []string
	Order  map[string]any
	Start  int
}

// CallList fetches every page of a list method. When the first page
// reports both "next" and "total", the remaining offsets are issued as
// batch commands (up to 50 per batch call, halt=1) rather than walked one
// round trip at a time; with "next" but no "total" the cursor is followed
// sequentially. A sole {ID: [...]} filter larger than one page is chunked
// and fanned out in a single batch instead of paginating at all. The
// handful of methods whose pagination shape deviates from the norm (see
// weirdPaginationMethods) use NAV_PARAMS{nPageSize,iNumPage} paging.
func (c *Client) CallList(ctx context.Context, method string, p ListParams) ([]json.RawMessage, error) {
	if chunks := ChunkIDsForFilter(p.Filter, batchChunkSize); chunks != nil {
		return c.listIDChunks(ctx, method, p, chunks)
	}
	if isWeirdPagination(method) {
		return c.listNavParams(ctx, method, p)
	}

	params := p.baseParams()
	params["start"] = p.Start
	raw, page, err := c.CallPaged(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("crm.CallList %s: %w", method, err)
	}
	out, err := unwrapList(method, raw)
	if err != nil {
		return nil, fmt.Errorf("crm.CallList %s: %w", method, err)
	}
	if page.Next == nil {
		return out, nil
	}

	if page.Total != nil {
		rest, err := c.listRemainingOffsets(ctx, method, p, *page.Next, *page.Total, *page.Next-p.Start)
		if err != nil {
			return nil, err
		}
		return append(out, rest...), nil
	}

	// No total reported: follow the cursor one page at a time.
	for page.Next != nil {
		params := p.baseParams()
		params["start"] = *page.Next
		raw, page, err = c.CallPaged(ctx, method, params)
		if err != nil {
			return out, fmt.Errorf("crm.CallList %s: %w", method, err)
		}
		items, err := unwrapList(method, raw)
		if err != nil {
			return out, fmt.Errorf("crm.CallList %s: %w", method, err)
		}
		if len(items) == 0 {
			break
		}
		out = append(out, items...)
	}
	return out, nil
}

// listRemainingOffsets fans pages [next, total) out as batch commands,
// pageSize apart, appending slot results in offset order.
func (c *Client) listRemainingOffsets(ctx context.Context, method string, p ListParams, next, total, pageSize int) ([]json.RawMessage, error) {
	if pageSize <= 0 {
		pageSize = batchChunkSize
	}
	var cmds []BatchCommand
	for off := next; off < total; off += pageSize {
		params := p.baseParams()
		params["start"] = off
		cmds = append(cmds, BatchCommand{
			Name:   fmt.Sprintf("page_%d", off),
			Method: method,
			Params: params,
		})
	}

	results, err := c.Batch(ctx, cmds, true)
	if err != nil {
		return nil, fmt.Errorf("crm.CallList %s: %w", method, err)
	}

	var out []json.RawMessage
	for _, cmd := range cmds {
		slot := results[cmd.Name]
		if slot.Error != "" {
			return nil, fmt.Errorf("crm.CallList %s: batch slot %s: %s", method, cmd.Name, slot.Error)
		}
		items, err := unwrapList(method, slot.Result)
		if err != nil {
			return nil, fmt.Errorf("crm.CallList %s: batch slot %s: %w", method, cmd.Name, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

// listIDChunks resolves a sole {ID: [...]} filter by batching one list
// command per id chunk instead of paginating a single oversized filter.
func (c *Client) listIDChunks(ctx context.Context, method string, p ListParams, chunks [][]any) ([]json.RawMessage, error) {
	var cmds []BatchCommand
	for i, chunk := range chunks {
		params := p.baseParams()
		params["filter"] = map[string]any{"ID": chunk}
		cmds = append(cmds, BatchCommand{
			Name:   fmt.Sprintf("ids_%d", i),
			Method: method,
			Params: params,
		})
	}

	results, err := c.Batch(ctx, cmds, true)
	if err != nil {
		return nil, fmt.Errorf("crm.CallList %s: %w", method, err)
	}

	var out []json.RawMessage
	for _, cmd := range cmds {
		slot := results[cmd.Name]
		if slot.Error != "" {
			return nil, fmt.Errorf("crm.CallList %s: batch slot %s: %s", method, cmd.Name, slot.Error)
		}
		items, err := unwrapList(method, slot.Result)
		if err != nil {
			return nil, fmt.Errorf("crm.CallList %s: batch slot %s: %w", method, cmd.Name, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

func (c *Client) listNavParams(ctx context.Context, method string, p ListParams) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for page := 1; ; page++ {
		params := p.baseParams()
		params["NAV_PARAMS"] = map[string]any{
			"nPageSize": batchChunkSize,
			"iNumPage":  page,
		}
		raw, err := c.Call(ctx, method, params)
		if err != nil {
			return out, fmt.Errorf("crm.CallList %s: %w", method, err)
		}
		items, err := unwrapList(method, raw)
		if err != nil {
			return out, fmt.Errorf("crm.CallList %s: %w", method, err)
		}
		out = append(out, items...)
		if len(items) < batchChunkSize {
			return out, nil
		}
	}
}

func (p ListParams) baseParams() map[string]any {
	params := map[string]any{}
	if p.Filter != nil {
		params["filter"] = p.Filter
	}
	if len(p.Select) > 0 {
		params["select"] = p.Select
	}
	if p.Order != nil {
		params["order"] = p.Order
	}
	return params
}

func unwrapList(method string, raw json.RawMessage) ([]json.RawMessage, error) {
	if key, ok := wrapperFor(method); ok {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("unwrap %q: %w", key, err)
		}
		var items []json.RawMessage
		if err := json.Unmarshal(wrapped[key], &items); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		return items, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return items, nil
}

// BatchCommand is one named call within a batch request.
type BatchCommand struct {
	Name   string
	Method string
	Params map[string]any
}

// BatchResult holds one command's raw result, or its error string if the
// portal reported one for that command.
type BatchResult struct {
	Result json.RawMessage
	Error  string
}

type batchEnvelope struct {
	Result struct {
		Result       map[string]json.RawMessage `json:"result"`
		ResultError  map[string]json.RawMessage `json:"result_error"`
		ResultTotal  map[string]int              `json:"result_total"`
		ResultNext   map[string]int              `json:"result_next"`
	} `json:"result"`
}

// Batch runs cmds through batch.json in successive calls of up to 50
// commands each. halt stops
// execution of subsequent commands in the batch as soon as one fails
// (the portal's halt=1 semantics) — callers that need all commands to run
// regardless of individual failures should pass halt=false.
func (c *Client) Batch(ctx context.Context, cmds []BatchCommand, halt bool) (map[string]BatchResult, error) {
	results := make(map[string]BatchResult, len(cmds))

	for start := 0; start < len(cmds); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(cmds) {
			end = len(cmds)
		}
		chunk := cmds[start:end]

		cmdMap := make(map[string]any, len(chunk))
		for _, cmd := range chunk {
			cmdMap[cmd.Name] = encodeBatchCommand(cmd.Method, cmd.Params)
		}

		haltVal := 0
		if halt {
			haltVal = 1
		}
		raw, err := c.Call(ctx, "batch", map[string]any{
			"halt": haltVal,
			"cmd":  cmdMap,
		})
		if err != nil {
			return results, fmt.Errorf("crm.Batch: %w", err)
		}

		var env batchEnvelope
		if err := json.Unmarshal(wrapBatchResult(raw), &env); err != nil {
			return results, fmt.Errorf("crm.Batch: decode: %w", err)
		}

		for _, cmd := range chunk {
			if errBody, ok := env.Result.ResultError[cmd.Name]; ok {
				results[cmd.Name] = BatchResult{Error: string(errBody)}
				continue
			}
			results[cmd.Name] = BatchResult{Result: env.Result.Result[cmd.Name]}
		}
	}

	return results, nil
}

// encodeBatchCommand renders a "method?query=string" command line, the form
// the portal's batch handler expects for each entry in cmd[].
func encodeBatchCommand(method string, params map[string]any) string {
	if len(params) == 0 {
		return method
	}
	return method + "?" + encodeParamsForBatchLine(params)
}

func encodeParamsForBatchLine(params map[string]any) string {
	return bxencode.Encode(params)
}

func wrapBatchResult(raw json.RawMessage) json.RawMessage {
	return []byte(`{"result":` + string(raw) + `}`)
}

// ChunkIDsForFilter optimizes a list call whose sole filter key is "ID" with
// a large value set: rather than one list call with an enormous filter, the
// caller should split it into chunks and batch them. Returns nil if the
// filter isn't eligible for this optimization.
func ChunkIDsForFilter(filter map[string]any, chunkSize int) [][]any {
	if len(filter) != 1 {
		return nil
	}
	raw, ok := filter["ID"]
	if !ok {
		return nil
	}
	ids, ok := raw.([]any)
	if !ok || len(ids) <= chunkSize {
		return nil
	}

	var chunks [][]any
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
