package orbitdb

import (
	"fmt"

	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// encodeDagCbor wraps an arbitrary map as a dag-cbor block, returning its
// bytes and CID. Used by the in-memory reference stores and by tests that
// need to construct manifest/identity/log-entry blocks.
func encodeDagCbor(m map[string]any) (cid.Cid, []byte, error) {
	node, err := cbornode.WrapObject(m, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("encoding dag-cbor block: %w", err)
	}
	return node.Cid(), node.RawData(), nil
}

// decodeDagCborMap decodes a dag-cbor block into a generic map, the same
// loosely-typed shape the manifest/entry decoders below extract fields from.
func decodeDagCborMap(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := cbornode.DecodeInto(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding dag-cbor block: %w", err)
	}
	return raw, nil
}

// DecodeManifest decodes a manifest block's dag-cbor content.
func DecodeManifest(data []byte) (Manifest, error) {
	raw, err := decodeDagCborMap(data)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		Name:             asString(raw["name"]),
		Type:             asString(raw["type"]),
		AccessController: asString(raw["accessController"]),
	}
	if meta, ok := raw["meta"].(map[string]any); ok {
		m.Meta = meta
	}
	return m, nil
}

// EncodeManifest is the inverse of DecodeManifest, used by the in-memory
// reference database and by tests.
func EncodeManifest(m Manifest) (cid.Cid, []byte, error) {
	raw := map[string]any{
		"name":             m.Name,
		"type":             m.Type,
		"accessController": m.AccessController,
	}
	if m.Meta != nil {
		raw["meta"] = m.Meta
	}
	return encodeDagCbor(raw)
}

// DecodeAccessController decodes an access-controller block's dag-cbor
// content, extracting only the identity references diagnostics need.
func DecodeAccessController(data []byte) (AccessController, error) {
	raw, err := decodeDagCborMap(data)
	if err != nil {
		return AccessController{}, err
	}
	ac := AccessController{Type: asString(raw["type"])}
	switch v := raw["write"].(type) {
	case []any:
		for _, id := range v {
			ac.Identities = append(ac.Identities, asString(id))
		}
	case string:
		ac.Identities = append(ac.Identities, v)
	}
	return ac, nil
}

// EncodeAccessController is the inverse of DecodeAccessController.
func EncodeAccessController(ac AccessController) (cid.Cid, []byte, error) {
	write := make([]any, len(ac.Identities))
	for i, id := range ac.Identities {
		write[i] = id
	}
	return encodeDagCbor(map[string]any{"type": ac.Type, "write": write})
}

// isLogEntryShape reports whether raw decodes a dag-cbor map that has the
// log-entry fields spec.md §4.7 step 8 tests for during head rediscovery:
// sig, key and identity.
func isLogEntryShape(raw map[string]any) bool {
	_, hasSig := raw["sig"]
	_, hasKey := raw["key"]
	_, hasIdentity := raw["identity"]
	return hasSig && hasKey && hasIdentity
}

// DecodeEntry decodes a log-entry block's dag-cbor content. It returns
// ok=false (with a nil error) when data does not have the log-entry shape,
// so callers can use it as the classifier spec.md §4.7 step 8 describes.
func DecodeEntry(data []byte) (entry Entry, ok bool, err error) {
	raw, err := decodeDagCborMap(data)
	if err != nil {
		return Entry{}, false, nil //nolint:nilerr // non-cbor or non-map content is simply "not an entry"
	}
	if !isLogEntryShape(raw) {
		return Entry{}, false, nil
	}
	e := Entry{
		V:        asInt(raw["v"]),
		ID:       asString(raw["id"]),
		Key:      asBytes(raw["key"]),
		Sig:      asString(raw["sig"]),
		Next:     asStringSlice(raw["next"]),
		Refs:     asStringSlice(raw["refs"]),
		Identity: asString(raw["identity"]),
	}
	if clock, ok := raw["clock"].(map[string]any); ok {
		e.Clock = clock
	}
	if payload, ok := raw["payload"].(map[string]any); ok {
		e.Payload = payload
	}
	return e, true, nil
}

// EncodeEntry is the inverse of DecodeEntry, used by the in-memory reference
// log and by tests building fixture CARs.
func EncodeEntry(e Entry) (cid.Cid, []byte, error) {
	next := make([]any, len(e.Next))
	for i, n := range e.Next {
		next[i] = n
	}
	refs := make([]any, len(e.Refs))
	for i, r := range e.Refs {
		refs[i] = r
	}
	raw := map[string]any{
		"v":        e.V,
		"id":       e.ID,
		"key":      e.Key,
		"sig":      e.Sig,
		"next":     next,
		"refs":     refs,
		"identity": e.Identity,
	}
	if e.Clock != nil {
		raw["clock"] = e.Clock
	}
	if e.Payload != nil {
		raw["payload"] = e.Payload
	}
	return encodeDagCbor(raw)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, asString(it))
	}
	return out
}
