/*
Package codec packs and unpacks every datum value type to and from a
self-describing byte payload.

Scalars have fixed encodings (64-bit little-endian integers, floats
and refs; NUL-terminated strings; raw blobs). Containers and multisets
are framed with variable-length integers and carry their element types
in a header. When a compound payload is nested inside another, its
length prefix is zero-padded to a fixed width so the payload can be
appended in a single pass and the length patched in afterwards.

Pack round trips: unpacking a packed value yields an equal value for
every type.
*/
package codec
