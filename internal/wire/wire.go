// Package wire implements the line-framed text codec described in the
// design: requests and responses are marshaled as "@@"-separated fields,
// with "##" used inside list-valued payload positions.
package wire

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned when a wire line does not split into the
// field count its operation/response kind requires.
var ErrMalformedRecord = errors.New("malformed-record")

// ErrForbiddenSeparator is returned when a caller tries to marshal a field
// whose value itself contains "@@" or "##" in a payload position.
var ErrForbiddenSeparator = errors.New("field contains forbidden separator")

const (
	fieldSep = "@@"
	listSep  = "##"
)

// PingToken is the fixed well-known token a replica sends in response to
// a HEALTH probe, and sends as the liveness probe on a NOTIF channel.
const PingToken = "@@ping"

// PongToken answers a PingToken on a channel that requires a liveness
// round-trip (the NOTIF subscriber ping-check).
const PongToken = "@@pong"

// OpKind tags the variant of a replicated or read-only operation.
type OpKind string

const (
	OpCreate   OpKind = "create"
	OpLogin    OpKind = "login"
	OpDelete   OpKind = "delete"
	OpSend     OpKind = "send"
	OpNotif    OpKind = "notif"
	OpList     OpKind = "list"
	OpLogs     OpKind = "logs"
	OpTakeover OpKind = "takeover" // in-memory sentinel; never marshaled
)

// Important reports whether an operation of this kind mutates state and
// must be durably logged and broadcast. list/logs/takeover are not.
func (k OpKind) Important() bool {
	switch k {
	case OpCreate, OpLogin, OpDelete, OpSend, OpNotif:
		return true
	default:
		return false
	}
}

// Op is the replicated unit: one tagged variant with per-kind fields.
type Op struct {
	UserID      string
	Kind        OpKind
	RecipientID string // send
	Text        string // send
	Wildcard    string // list, logs
	Page        int    // list, logs
}

func hasSeparator(s string) bool {
	return strings.Contains(s, fieldSep) || strings.Contains(s, listSep)
}

// EncodeOp marshals an operation for the wire. Takeover is never
// marshaled; callers must not put it on a socket.
func EncodeOp(op Op) (string, error) {
	if hasSeparator(op.UserID) {
		return "", ErrForbiddenSeparator
	}
	switch op.Kind {
	case OpCreate, OpLogin, OpDelete, OpNotif:
		return op.UserID + fieldSep + string(op.Kind), nil
	case OpSend:
		if hasSeparator(op.RecipientID) || hasSeparator(op.Text) {
			return "", ErrForbiddenSeparator
		}
		return strings.Join([]string{op.UserID, string(op.Kind), op.RecipientID, op.Text}, fieldSep), nil
	case OpList, OpLogs:
		if hasSeparator(op.Wildcard) {
			return "", ErrForbiddenSeparator
		}
		return strings.Join([]string{op.UserID, string(op.Kind), op.Wildcard, strconv.Itoa(op.Page)}, fieldSep), nil
	default:
		return "", ErrMalformedRecord
	}
}

// splitExact splits line on "@@" and requires exactly n fields; every
// field in schemas that use this helper is guaranteed separator-free by
// the codec's own marshaling, so a plain strings.Split is safe.
func splitExact(line string, n int) ([]string, bool) {
	parts := strings.Split(line, fieldSep)
	if len(parts) != n {
		return nil, false
	}
	return parts, true
}

// DecodeOp unmarshals a request line into an Op. It validates only field
// count, not semantic validity (e.g. it happily round-trips a user_id
// containing spaces) — semantic validation belongs to the state machine.
func DecodeOp(line string) (Op, error) {
	head, ok := splitExact(line, 2)
	var userID, kind string
	if ok {
		userID, kind = head[0], head[1]
	} else {
		// kind-dependent schemas need more than 2 top-level fields; peek
		// at the kind without committing to a field count yet.
		parts := strings.SplitN(line, fieldSep, 3)
		if len(parts) < 2 {
			return Op{}, ErrMalformedRecord
		}
		userID, kind = parts[0], parts[1]
	}

	switch OpKind(kind) {
	case OpCreate, OpLogin, OpDelete, OpNotif:
		parts, ok := splitExact(line, 2)
		if !ok {
			return Op{}, ErrMalformedRecord
		}
		return Op{UserID: parts[0], Kind: OpKind(kind)}, nil

	case OpSend:
		parts, ok := splitExact(line, 4)
		if !ok {
			return Op{}, ErrMalformedRecord
		}
		return Op{UserID: parts[0], Kind: OpSend, RecipientID: parts[2], Text: parts[3]}, nil

	case OpList, OpLogs:
		parts, ok := splitExact(line, 4)
		if !ok {
			return Op{}, ErrMalformedRecord
		}
		page, err := strconv.Atoi(parts[3])
		if err != nil {
			return Op{}, ErrMalformedRecord
		}
		return Op{UserID: parts[0], Kind: OpKind(kind), Wildcard: parts[2], Page: page}, nil

	default:
		_ = userID
		return Op{}, ErrMalformedRecord
	}
}

// Chat is the inner encoding of one message: "author@@recipient@@text".
type Chat struct {
	Author    string
	Recipient string
	Text      string
}

func encodeChat(c Chat) (string, error) {
	if hasSeparator(c.Author) || hasSeparator(c.Recipient) || hasSeparator(c.Text) {
		return "", ErrForbiddenSeparator
	}
	return strings.Join([]string{c.Author, c.Recipient, c.Text}, fieldSep), nil
}

func decodeChat(blob string) (Chat, error) {
	parts := strings.SplitN(blob, fieldSep, 3)
	if len(parts) != 3 {
		return Chat{}, ErrMalformedRecord
	}
	return Chat{Author: parts[0], Recipient: parts[1], Text: parts[2]}, nil
}

// ResponseKind tags the variant of a response envelope.
type ResponseKind string

const (
	RespBasic ResponseKind = "basic"
	RespList  ResponseKind = "list"
	RespLogs  ResponseKind = "logs"
	RespNotif ResponseKind = "notif"
)

// Response is the server-to-client reply envelope for every kind.
type Response struct {
	UserID   string
	Kind     ResponseKind
	OK       bool
	Error    string
	Accounts []string // list
	Messages []Chat   // logs
	Chat     Chat     // notif
}

func encodeBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func decodeBool(s string) (bool, error) {
	switch s {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, ErrMalformedRecord
	}
}

// EncodeResponse marshals a response envelope for the wire.
func EncodeResponse(r Response) (string, error) {
	if hasSeparator(r.UserID) || hasSeparator(r.Error) {
		return "", ErrForbiddenSeparator
	}
	switch r.Kind {
	case RespBasic:
		return strings.Join([]string{r.UserID, string(RespBasic), encodeBool(r.OK), r.Error}, fieldSep), nil

	case RespList:
		for _, a := range r.Accounts {
			if hasSeparator(a) {
				return "", ErrForbiddenSeparator
			}
		}
		accts := strings.Join(r.Accounts, listSep)
		return strings.Join([]string{r.UserID, string(RespList), encodeBool(r.OK), r.Error, accts}, fieldSep), nil

	case RespLogs:
		msgs := make([]string, len(r.Messages))
		for i, m := range r.Messages {
			enc, err := encodeChat(m)
			if err != nil {
				return "", err
			}
			msgs[i] = enc
		}
		return strings.Join([]string{r.UserID, string(RespLogs), encodeBool(r.OK), r.Error, strings.Join(msgs, listSep)}, fieldSep), nil

	case RespNotif:
		chatBlob := ""
		if r.OK {
			enc, err := encodeChat(r.Chat)
			if err != nil {
				return "", err
			}
			chatBlob = enc
		}
		return strings.Join([]string{r.UserID, string(RespNotif), encodeBool(r.OK), r.Error, chatBlob}, fieldSep), nil

	default:
		return "", ErrMalformedRecord
	}
}

// DecodeResponse unmarshals a response line.
func DecodeResponse(line string) (Response, error) {
	parts := strings.SplitN(line, fieldSep, 3)
	if len(parts) < 3 {
		return Response{}, ErrMalformedRecord
	}
	userID, kind := parts[0], parts[1]

	switch ResponseKind(kind) {
	case RespBasic:
		full, ok := splitExact(line, 4)
		if !ok {
			return Response{}, ErrMalformedRecord
		}
		ok2, err := decodeBool(full[2])
		if err != nil {
			return Response{}, err
		}
		return Response{UserID: userID, Kind: RespBasic, OK: ok2, Error: full[3]}, nil

	case RespList:
		full, ok := splitExact(line, 5)
		if !ok {
			return Response{}, ErrMalformedRecord
		}
		ok2, err := decodeBool(full[2])
		if err != nil {
			return Response{}, err
		}
		var accts []string
		if full[4] != "" {
			accts = strings.Split(full[4], listSep)
		}
		return Response{UserID: userID, Kind: RespList, OK: ok2, Error: full[3], Accounts: accts}, nil

	case RespLogs:
		full := strings.SplitN(line, fieldSep, 5)
		if len(full) != 5 {
			return Response{}, ErrMalformedRecord
		}
		ok2, err := decodeBool(full[2])
		if err != nil {
			return Response{}, err
		}
		var msgs []Chat
		if full[4] != "" {
			for _, blob := range strings.Split(full[4], listSep) {
				c, err := decodeChat(blob)
				if err != nil {
					return Response{}, err
				}
				msgs = append(msgs, c)
			}
		}
		return Response{UserID: userID, Kind: RespLogs, OK: ok2, Error: full[3], Messages: msgs}, nil

	case RespNotif:
		full := strings.SplitN(line, fieldSep, 5)
		if len(full) != 5 {
			return Response{}, ErrMalformedRecord
		}
		ok2, err := decodeBool(full[2])
		if err != nil {
			return Response{}, err
		}
		resp := Response{UserID: userID, Kind: RespNotif, OK: ok2, Error: full[3]}
		if ok2 {
			c, err := decodeChat(full[4])
			if err != nil {
				return Response{}, err
			}
			resp.Chat = c
		}
		return resp, nil

	default:
		return Response{}, ErrMalformedRecord
	}
}
