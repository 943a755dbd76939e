// Package protocol defines the JSON envelope protocol spoken between the
// agent and the control server.
package protocol

import "fmt"

// Kind is the closed set of envelope kinds.
type Kind uint8

// Envelope kinds. The zero value is not a valid kind.
const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindListReq
	KindListResp
	KindDeleteReq
	KindDeleteResp
	KindZipReq
	KindZipResp
	KindCompressReq
	KindCompressResp
	KindUploadReq
	KindUploadResp
	KindFileInfoReq
	KindFileInfoResp
	KindProgress
	KindHeartbeat
	KindError
)

var kindTokens = map[Kind]string{
	KindHello:        "hello",
	KindHelloAck:     "hello_ack",
	KindListReq:      "list_req",
	KindListResp:     "list_resp",
	KindDeleteReq:    "delete_req",
	KindDeleteResp:   "delete_resp",
	KindZipReq:       "zip_req",
	KindZipResp:      "zip_resp",
	KindCompressReq:  "compress_req",
	KindCompressResp: "compress_resp",
	KindUploadReq:    "upload_req",
	KindUploadResp:   "upload_resp",
	KindFileInfoReq:  "file_info_req",
	KindFileInfoResp: "file_info_resp",
	KindProgress:     "progress",
	KindHeartbeat:    "heartbeat",
	KindError:        "error",
}

var tokenKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindTokens))
	for k, tok := range kindTokens {
		m[tok] = k
	}
	return m
}()

// responseKinds maps each request kind to its success response kind.
var responseKinds = map[Kind]Kind{
	KindHello:       KindHelloAck,
	KindListReq:     KindListResp,
	KindDeleteReq:   KindDeleteResp,
	KindZipReq:      KindZipResp,
	KindCompressReq: KindCompressResp,
	KindUploadReq:   KindUploadResp,
	KindFileInfoReq: KindFileInfoResp,
}

// ErrUnknownKind is returned when a wire token does not name a kind.
type ErrUnknownKind struct {
	Token string
}

func (e *ErrUnknownKind) Error() string {
	return "unknown_kind:" + e.Token
}

// ParseKind maps a wire token to its Kind.
func ParseKind(token string) (Kind, error) {
	k, ok := tokenKinds[token]
	if !ok {
		return 0, &ErrUnknownKind{Token: token}
	}
	return k, nil
}

// String returns the wire token for k.
func (k Kind) String() string {
	if tok, ok := kindTokens[k]; ok {
		return tok
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindTokens[k]
	return ok
}

// Response returns the success response kind for a request kind.
func (k Kind) Response() (Kind, bool) {
	r, ok := responseKinds[k]
	return r, ok
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	tok, ok := kindTokens[k]
	if !ok {
		return nil, &ErrUnknownKind{Token: k.String()}
	}
	return []byte(tok), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
