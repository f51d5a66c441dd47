// Package pskclient negotiates a post-quantum pre-shared key with the
// relay's in-tunnel config service (spec §4.3 step 4, §6). The service is
// reached over a plain TCP connection carrying 4-byte length-prefixed
// messages (see client.go): field numbers below match the (unexported) wire
// contract the relay's config service speaks, framed by protobuf's own
// wire encoding via protowire rather than a protoc-generated package,
// since the service definition isn't part of the client's distribution.
package pskclient

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// pskRequest is the config service's single request message: the daemon's
// current WireGuard public key (field 1, bytes).
type pskRequest struct {
	PublicKey []byte
}

func (r pskRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PublicKey)
	return b
}

// pskResponse is the config service's reply: a new ephemeral tunnel
// private key (field 1) and the negotiated PSK (field 2).
type pskResponse struct {
	EphemeralPrivateKey []byte
	PSK                 []byte
}

// unmarshalPskRequest parses a pskRequest, the inverse of Marshal — used
// by the relay-side test double to verify the request the client sent.
func unmarshalPskRequest(data []byte) (pskRequest, error) {
	var req pskRequest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return pskRequest{}, fmt.Errorf("malformed psk request: bad tag")
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return pskRequest{}, fmt.Errorf("malformed psk request: field %d not bytes", num)
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return pskRequest{}, fmt.Errorf("malformed psk request: truncated field %d", num)
		}
		data = data[n:]
		if num == 1 {
			req.PublicKey = val
		}
	}
	return req, nil
}

func (r pskResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, r.EphemeralPrivateKey)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, r.PSK)
	return b
}

func unmarshalPskResponse(data []byte) (pskResponse, error) {
	var resp pskResponse
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return pskResponse{}, fmt.Errorf("malformed config service response: bad tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return pskResponse{}, fmt.Errorf("malformed config service response: field %d not bytes", num)
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return pskResponse{}, fmt.Errorf("malformed config service response: truncated field %d", num)
		}
		data = data[n:]

		switch num {
		case 1:
			resp.EphemeralPrivateKey = val
		case 2:
			resp.PSK = val
		}
	}
	if len(resp.EphemeralPrivateKey) == 0 || len(resp.PSK) == 0 {
		return pskResponse{}, fmt.Errorf("config service response missing required fields")
	}
	return resp, nil
}
