package acp

import "encoding/json"

// Meta is the optional meta object ACP messages may carry. Symposium
// reserves the "symposium" sub-object; unrecognized fields round-trip
// through RawExtra so a hop that doesn't understand them still
// preserves them (spec.md §3 "Capability metadata": "additive and MUST
// be preserved by any hop that does not explicitly transform them").
type Meta struct {
	Symposium *SymposiumMeta `json:"symposium,omitempty"`
	RawExtra  map[string]json.RawMessage `json:"-"`
}

// SymposiumMeta is the meta.symposium sub-object.
type SymposiumMeta struct {
	// Proxy, set on an initialize request, offers the proxy role on
	// this hop; set on the matching response, confirms it.
	Proxy bool `json:"proxy,omitempty"`
	// MCPACPTransport, set by an agent on its initialize response,
	// declares native _mcp/* support (no TCP shim needed).
	MCPACPTransport bool `json:"mcp_acp_transport,omitempty"`
}

// MarshalJSON preserves unrecognized top-level meta fields alongside
// the symposium sub-object.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.RawExtra)+1)
	for k, v := range m.RawExtra {
		out[k] = v
	}
	if m.Symposium != nil {
		data, err := json.Marshal(m.Symposium)
		if err != nil {
			return nil, err
		}
		out["symposium"] = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the symposium sub-object out from everything else.
func (m *Meta) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if sym, ok := raw["symposium"]; ok {
		var s SymposiumMeta
		if err := json.Unmarshal(sym, &s); err != nil {
			return err
		}
		m.Symposium = &s
		delete(raw, "symposium")
	}
	m.RawExtra = raw
	return nil
}

// IsEmpty reports whether the meta object has nothing to serialize, so
// callers can omit it entirely rather than writing "meta": {}.
func (m *Meta) IsEmpty() bool {
	return m == nil || (m.Symposium == nil && len(m.RawExtra) == 0)
}

// ProxyOffered reports whether meta.symposium.proxy is set and true.
func (m *Meta) ProxyOffered() bool {
	return m != nil && m.Symposium != nil && m.Symposium.Proxy
}

// WithProxyOffer returns a copy of m (or a fresh Meta if m is nil) with
// meta.symposium.proxy set to true, used by the Conductor when forwarding
// initialize down a chain with more hops remaining (spec.md §4.3).
func WithProxyOffer(m *Meta) *Meta {
	out := cloneMeta(m)
	if out.Symposium == nil {
		out.Symposium = &SymposiumMeta{}
	}
	out.Symposium.Proxy = true
	return out
}

func cloneMeta(m *Meta) *Meta {
	if m == nil {
		return &Meta{}
	}
	out := &Meta{RawExtra: make(map[string]json.RawMessage, len(m.RawExtra))}
	for k, v := range m.RawExtra {
		out.RawExtra[k] = v
	}
	if m.Symposium != nil {
		sym := *m.Symposium
		out.Symposium = &sym
	}
	return out
}

// Implementation identifies a client or agent program (name + version).
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeRequest is the client -> agent initialize request.
type InitializeRequest struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	ClientInfo        *Implementation `json:"clientInfo,omitempty"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	Meta              *Meta           `json:"meta,omitempty"`
}

// InitializeResponse is the agent's reply.
type InitializeResponse struct {
	ProtocolVersion  int             `json:"protocolVersion"`
	AgentInfo        *Implementation `json:"agentInfo,omitempty"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods      []json.RawMessage `json:"authMethods,omitempty"`
	Meta             *Meta           `json:"meta,omitempty"`
}

// McpServerStdio describes a stdio-transport MCP server entry.
type McpServerStdio struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// McpServerHTTP describes an http-transport MCP server entry — the
// shape the bridge's synthetic acp:<uuid> servers use (spec.md §4.4).
type McpServerHTTP struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Transport string `json:"transport"`
}

// McpServerEntry is a tagged union over the transport kinds session/new
// can carry. Exactly one field is set. On the wire it is a FLAT object —
// {"name","command","args"} or {"name","url","transport"} — not a
// {"stdio":{...}} / {"http":{...}} wrapper (spec.md §4.4 point 2, S5,
// S6): a real downstream agent reads these fields at the top level, so
// the Go tagged-union shape is collapsed at the marshal boundary.
// Discrimination on unmarshal is by presence of "command" (stdio) vs.
// "url" (http). The spec's own examples disagree on the http transport
// field's name ("transport" in §4.4/§6, "type" in S5); "transport" is
// treated as authoritative since it's what this repo itself emits, with
// "type" accepted as an alias on the way in.
type McpServerEntry struct {
	Stdio *McpServerStdio `json:"-"`
	HTTP  *McpServerHTTP  `json:"-"`
}

// MarshalJSON emits the flat wire shape for whichever variant is set.
func (e McpServerEntry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Stdio != nil:
		return json.Marshal(e.Stdio)
	case e.HTTP != nil:
		return json.Marshal(e.HTTP)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON parses the flat wire shape, picking the stdio or http
// variant by which fields are present.
func (e *McpServerEntry) UnmarshalJSON(data []byte) error {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Command != "" {
		var s McpServerStdio
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = McpServerEntry{Stdio: &s}
		return nil
	}

	var raw struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		Transport string `json:"transport"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	transport := raw.Transport
	if transport == "" {
		transport = raw.Type
	}
	*e = McpServerEntry{HTTP: &McpServerHTTP{Name: raw.Name, URL: raw.URL, Transport: transport}}
	return nil
}

// NewSessionRequest is the client -> agent session/new request.
type NewSessionRequest struct {
	Cwd        string            `json:"cwd"`
	McpServers []McpServerEntry `json:"mcp_servers,omitempty"`
}

// NewSessionResponse is the agent's reply.
type NewSessionResponse struct {
	SessionID string          `json:"session_id"`
	Modes     json.RawMessage `json:"modes,omitempty"`
}

// ContentBlock is a single prompt content item. Only the text variant
// is typed; fields of other block kinds are not modelled and are
// dropped when a block is decoded into this type.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptRequest is the client -> agent session/prompt request.
type PromptRequest struct {
	SessionID string         `json:"session_id"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse is the agent's reply.
type PromptResponse struct {
	StopReason string `json:"stop_reason"`
}

// CancelNotification is the client -> agent session/cancel notification.
type CancelNotification struct {
	SessionID string `json:"session_id"`
}

// SessionUpdateNotification is the agent -> client session/update notification.
type SessionUpdateNotification struct {
	SessionID string          `json:"session_id"`
	Update    json.RawMessage `json:"update"`
}
