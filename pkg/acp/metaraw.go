package acp

import "encoding/json"

// The Conductor needs to stamp or inspect meta.symposium.proxy on
// initialize requests/responses without fully decoding their payload
// (which may carry vendor fields this package doesn't model). These
// helpers operate directly on the raw JSON object so every other
// top-level field round-trips untouched.

// SetMetaProxyOffer returns raw with meta.symposium.proxy set to true,
// preserving every other top-level field.
func SetMetaProxyOffer(raw json.RawMessage) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
	}
	var m Meta
	if existing, ok := obj["meta"]; ok {
		if err := json.Unmarshal(existing, &m); err != nil {
			return nil, err
		}
	}
	if m.Symposium == nil {
		m.Symposium = &SymposiumMeta{}
	}
	m.Symposium.Proxy = true
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	obj["meta"] = data
	return json.Marshal(obj)
}

// HasMetaProxyConfirmed reports whether raw's top-level meta.symposium.proxy is true.
func HasMetaProxyConfirmed(raw json.RawMessage) bool {
	m, ok := extractMeta(raw)
	return ok && m.ProxyOffered()
}

// HasMetaMCPTransport reports whether raw's top-level
// meta.symposium.mcp_acp_transport is true.
func HasMetaMCPTransport(raw json.RawMessage) bool {
	m, ok := extractMeta(raw)
	return ok && m.Symposium != nil && m.Symposium.MCPACPTransport
}

func extractMeta(raw json.RawMessage) (Meta, bool) {
	if len(raw) == 0 {
		return Meta{}, false
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Meta{}, false
	}
	metaRaw, ok := obj["meta"]
	if !ok {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}
