package driver

import (
	"context"
	"encoding/json"
	"fmt"
)

// GPT is one discoverable variant of the remote app.
type GPT struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Discovery calls run inside the page so they ride on the session's
// cookies and bearer token; nothing is re-authenticated out of band.

const listGPTsJS = `async () => {
	const sessionResp = await fetch("/api/auth/session", {credentials: "include"});
	if (!sessionResp.ok) return {error: "failed to get session"};
	const session = await sessionResp.json();
	const headers = {"Authorization": "Bearer " + session.accessToken};

	const gpts = [];

	try {
		const resp = await fetch("/backend-api/gizmos/bootstrap", {credentials: "include", headers});
		if (resp.ok) {
			const data = await resp.json();
			for (const g of (data.gizmos || [])) {
				const gizmo = g.resource?.gizmo || g;
				gpts.push({
					id: gizmo.id,
					name: gizmo.display?.name || "Unknown",
					type: "pinned"
				});
			}
		}
	} catch(e) {}

	try {
		const resp = await fetch("/backend-api/gizmos/snorlax/sidebar", {credentials: "include", headers});
		if (resp.ok) {
			const data = await resp.json();
			for (const item of (data.items || [])) {
				gpts.push({
					id: item.gizmo.id,
					name: item.gizmo.display?.name || "Unknown",
					type: "custom"
				});
			}
		}
	} catch(e) {}

	return gpts;
}`

const searchGPTsJS = `async (query, limit) => {
	const sessionResp = await fetch("/api/auth/session", {credentials: "include"});
	if (!sessionResp.ok) return {error: "failed to get session"};
	const session = await sessionResp.json();
	const headers = {"Authorization": "Bearer " + session.accessToken};

	const gpts = [];
	let cursor = null;

	while (gpts.length < limit) {
		let url = "/backend-api/gizmos/search?q=" + encodeURIComponent(query);
		if (cursor) url += "&cursor=" + encodeURIComponent(cursor);

		const resp = await fetch(url, {credentials: "include", headers});
		if (!resp.ok) return {error: "search failed: " + resp.status};
		const data = await resp.json();

		const items = data.hits?.items || data.items || [];
		if (items.length === 0) break;

		for (const item of items) {
			const gizmo = item.resource?.gizmo || item.gizmo || item;
			gpts.push({
				id: gizmo.id || gizmo.short_url || "unknown",
				name: gizmo.display?.name || "Unknown",
				description: (gizmo.display?.description || "").slice(0, 100),
				author: gizmo.author?.display_name || "Unknown"
			});
			if (gpts.length >= limit) break;
		}

		cursor = data.hits?.cursor || data.cursor;
		if (!cursor) break;
	}

	return gpts;
}`

// ListGPTs returns the variants attached to the signed-in account, both
// pinned store entries and user-built ones.
func (d *Driver) ListGPTs(ctx context.Context) ([]GPT, error) {
	if err := d.ensurePlaced(ctx, ""); err != nil {
		return nil, err
	}
	raw, err := d.probe.Eval(listGPTsJS)
	if err != nil {
		return nil, fmt.Errorf("list gpts: %w", err)
	}
	return decodeGPTs(raw)
}

// SearchGPTs queries the public store, following pagination cursors until
// limit results are collected or the results run out.
func (d *Driver) SearchGPTs(ctx context.Context, query string, limit int) ([]GPT, error) {
	if limit <= 0 {
		limit = 20
	}
	if err := d.ensurePlaced(ctx, ""); err != nil {
		return nil, err
	}
	raw, err := d.probe.Eval(searchGPTsJS, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search gpts: %w", err)
	}
	return decodeGPTs(raw)
}

func decodeGPTs(raw json.RawMessage) ([]GPT, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fail struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &fail); err == nil && fail.Error != "" {
		return nil, fmt.Errorf("in-page fetch: %s", fail.Error)
	}
	var gpts []GPT
	if err := json.Unmarshal(raw, &gpts); err != nil {
		return nil, fmt.Errorf("decode gpt list: %w", err)
	}
	return gpts, nil
}
