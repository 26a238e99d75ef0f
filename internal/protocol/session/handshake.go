package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

const ProtocolVersion uint32 = 1

// Handshake result codes.
const (
	EncryptResultOK     uint32 = 1
	EncryptResultFailed uint32 = 2
)

var (
	ErrProtocolVersion = errors.New("session: protocol version mismatch")
	ErrHandshakeFailed = errors.New("session: handshake rejected by server")
	ErrUnexpectedFrame = errors.New("session: unexpected frame during handshake")
)

// EncryptRequest is sent by the server as the first frame on a connection.
type EncryptRequest struct {
	ProtocolVersion uint32
	Nonce           []byte
	ServerKey       []byte
	Codecs          []string
}

// EncryptResponse carries the client's ephemeral key and key confirmation.
type EncryptResponse struct {
	ProtocolVersion uint32
	ClientKey       []byte
	Proof           []byte
	Codec           string
}

type EncryptResult struct {
	Result uint32
}

// Established is the outcome of a completed handshake.
type Established struct {
	Cipher *Cipher
	Codec  frame.Codec
}

func EncodeEncryptRequest(req EncryptRequest) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldProtocolVersion, req.ProtocolVersion),
		tlv.Bytes(schema.FieldNonce, req.Nonce),
		tlv.Bytes(schema.FieldServerKey, req.ServerKey),
		tlv.String(schema.FieldCodecs, strings.Join(req.Codecs, ",")),
	}
	return encodeHandshake(schema.MsgEncryptRequest, fields)
}

func DecodeEncryptRequest(f frame.Frame) (EncryptRequest, error) {
	fields, err := decodeHandshake(f, schema.MsgEncryptRequest)
	if err != nil {
		return EncryptRequest{}, err
	}
	var req EncryptRequest
	if req.ProtocolVersion, err = tlv.GetU32(fields, schema.FieldProtocolVersion); err != nil {
		return EncryptRequest{}, err
	}
	if req.Nonce, err = tlv.GetBytes(fields, schema.FieldNonce); err != nil {
		return EncryptRequest{}, err
	}
	if req.ServerKey, err = tlv.GetBytes(fields, schema.FieldServerKey); err != nil {
		return EncryptRequest{}, err
	}
	codecs, err := tlv.GetString(fields, schema.FieldCodecs)
	if err != nil {
		return EncryptRequest{}, err
	}
	for _, c := range strings.Split(codecs, ",") {
		if c = strings.TrimSpace(c); c != "" {
			req.Codecs = append(req.Codecs, c)
		}
	}
	return req, nil
}

func EncodeEncryptResponse(resp EncryptResponse) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldProtocolVersion, resp.ProtocolVersion),
		tlv.Bytes(schema.FieldClientKey, resp.ClientKey),
		tlv.Bytes(schema.FieldProof, resp.Proof),
		tlv.String(schema.FieldCodec, resp.Codec),
	}
	return encodeHandshake(schema.MsgEncryptResponse, fields)
}

func DecodeEncryptResponse(f frame.Frame) (EncryptResponse, error) {
	fields, err := decodeHandshake(f, schema.MsgEncryptResponse)
	if err != nil {
		return EncryptResponse{}, err
	}
	var resp EncryptResponse
	if resp.ProtocolVersion, err = tlv.GetU32(fields, schema.FieldProtocolVersion); err != nil {
		return EncryptResponse{}, err
	}
	if resp.ClientKey, err = tlv.GetBytes(fields, schema.FieldClientKey); err != nil {
		return EncryptResponse{}, err
	}
	if resp.Proof, err = tlv.GetBytes(fields, schema.FieldProof); err != nil {
		return EncryptResponse{}, err
	}
	if resp.Codec, err = tlv.GetString(fields, schema.FieldCodec); err != nil {
		return EncryptResponse{}, err
	}
	return resp, nil
}

func EncodeEncryptResult(res EncryptResult) (frame.Frame, error) {
	return encodeHandshake(schema.MsgEncryptResult, []tlv.Field{tlv.U32(schema.FieldResult, res.Result)})
}

func DecodeEncryptResult(f frame.Frame) (EncryptResult, error) {
	fields, err := decodeHandshake(f, schema.MsgEncryptResult)
	if err != nil {
		return EncryptResult{}, err
	}
	v, err := tlv.GetU32(fields, schema.FieldResult)
	if err != nil {
		return EncryptResult{}, err
	}
	return EncryptResult{Result: v}, nil
}

// NewEncryptRequest builds the server's opening frame for kp.
func NewEncryptRequest(kp KeyPair, codecs []string) (EncryptRequest, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptRequest{}, fmt.Errorf("session: nonce: %w", err)
	}
	return EncryptRequest{
		ProtocolVersion: ProtocolVersion,
		Nonce:           nonce,
		ServerKey:       append([]byte(nil), kp.Public[:]...),
		Codecs:          codecs,
	}, nil
}

// Respond computes the client side of the handshake: it validates the
// request, derives the channel key, and picks the first preferred codec
// the server also offers.
func Respond(req EncryptRequest, pinned []byte, preferred []string) (EncryptResponse, Established, error) {
	if req.ProtocolVersion != ProtocolVersion {
		return EncryptResponse{}, Established{}, fmt.Errorf("%w: server=%d client=%d", ErrProtocolVersion, req.ProtocolVersion, ProtocolVersion)
	}
	if err := CheckPinnedKey(pinned, req.ServerKey); err != nil {
		return EncryptResponse{}, Established{}, err
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return EncryptResponse{}, Established{}, err
	}
	key, err := DeriveChannelKey(kp.Private, req.ServerKey, req.Nonce)
	if err != nil {
		return EncryptResponse{}, Established{}, err
	}
	proof, err := Proof(key, req.Nonce)
	if err != nil {
		return EncryptResponse{}, Established{}, err
	}
	c, err := NewCipher(key)
	if err != nil {
		return EncryptResponse{}, Established{}, err
	}
	codecName := NegotiateCodec(req.Codecs, preferred)
	codec, err := frame.ParseCodec(codecName)
	if err != nil {
		codec, codecName = frame.CodecNone, "none"
	}
	log.Debug().Msgf("session.Respond codec=%s offered=%v", codecName, req.Codecs)
	return EncryptResponse{
		ProtocolVersion: ProtocolVersion,
		ClientKey:       append([]byte(nil), kp.Public[:]...),
		Proof:           proof,
		Codec:           codecName,
	}, Established{Cipher: c, Codec: codec}, nil
}

// Accept is the server side: it checks the client's proof against kp.
func Accept(kp KeyPair, req EncryptRequest, resp EncryptResponse) (Established, error) {
	if resp.ProtocolVersion != req.ProtocolVersion {
		return Established{}, ErrProtocolVersion
	}
	key, err := DeriveChannelKey(kp.Private, resp.ClientKey, req.Nonce)
	if err != nil {
		return Established{}, err
	}
	if err := VerifyProof(key, req.Nonce, resp.Proof); err != nil {
		return Established{}, err
	}
	c, err := NewCipher(key)
	if err != nil {
		return Established{}, err
	}
	codec, err := frame.ParseCodec(resp.Codec)
	if err != nil {
		return Established{}, err
	}
	return Established{Cipher: c, Codec: codec}, nil
}

// NegotiateCodec returns the first entry of preferred that offered
// contains, or "none".
func NegotiateCodec(offered, preferred []string) string {
	for _, p := range preferred {
		for _, o := range offered {
			if strings.EqualFold(p, o) {
				return strings.ToLower(p)
			}
		}
	}
	return "none"
}

func encodeHandshake(messageType uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(messageType, nil, tlv.EncodeFields(fields)), nil
}

func decodeHandshake(f frame.Frame, want uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("%w: type=%d want=%d", ErrUnexpectedFrame, f.Header.MessageType, want)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
