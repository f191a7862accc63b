// Package codec encodes the admin snapshots. JSON is the default; CBOR is
// served when the client asks for it.
package codec

import (
    "mime"
    "strings"
)

// Codec defines a simple interface for marshaling snapshot values.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs. The first registered codec is the
// fallback for Negotiate.
type Registry struct {
    byType   map[string]Codec
    fallback Codec
}

// NewRegistry constructs a registry preloaded with JSON and deterministic
// CBOR.
func NewRegistry() (*Registry, error) {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    c, err := CBOR()
    if err != nil { return nil, err }
    r.Register(c)
    return r, nil
}

// Register adds a codec.
func (r *Registry) Register(c Codec) {
    if r.fallback == nil { r.fallback = c }
    r.byType[c.ContentType()] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Negotiate picks the first codec named in an Accept header. Quality values
// are ignored; an empty or unmatched header yields the fallback.
func (r *Registry) Negotiate(accept string) Codec {
    for _, part := range strings.Split(accept, ",") {
        mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
        if err != nil { continue }
        if c, ok := r.byType[mt]; ok { return c }
    }
    return r.fallback
}
