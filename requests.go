package x402

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SettlementRequest is either a DirectSettlementRequest or a
// PermitSettlementRequest. The set of variants is closed.
type SettlementRequest interface {
	Mode() SettlementMode
	isSettlementRequest()
}

// DirectSettlementRequest asks the facilitator to pay from its own wallet
type DirectSettlementRequest struct{}

func (DirectSettlementRequest) Mode() SettlementMode { return ModeDirect }
func (DirectSettlementRequest) isSettlementRequest() {}

// PermitSettlementRequest carries a signed EIP-2612 permit granting the
// facilitator an allowance over the owner's tokens
type PermitSettlementRequest struct {
	Owner    string
	Value    *big.Int
	Deadline *big.Int
	V        uint8
	R        string
	S        string
}

func (PermitSettlementRequest) Mode() SettlementMode { return ModePermit }
func (PermitSettlementRequest) isSettlementRequest() {}

// DedupeKey identifies one signed permit submitted to one facilitator
func (p PermitSettlementRequest) DedupeKey(facilitator string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%s",
		strings.ToLower(facilitator),
		strings.ToLower(p.Owner),
		p.Value.String(),
		p.Deadline.String(),
		p.V,
		strings.ToLower(p.R),
		strings.ToLower(p.S),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON renders the wire form {owner, value, deadline, v, r, s}
func (p PermitSettlementRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(permitWire{
		Owner:    p.Owner,
		Value:    p.Value.String(),
		Deadline: p.Deadline.String(),
		V:        json.Number(fmt.Sprintf("%d", p.V)),
		R:        p.R,
		S:        p.S,
	})
}

type permitWire struct {
	Owner    string      `json:"owner"`
	Value    string      `json:"value"`
	Deadline string      `json:"deadline"`
	V        json.Number `json:"v"`
	R        string      `json:"r"`
	S        string      `json:"s"`
}

const permitRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "value", "deadline", "v", "r", "s"],
  "properties": {
    "owner":    {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "value":    {"oneOf": [{"type": "string", "pattern": "^[0-9]+$"}, {"type": "integer", "minimum": 0}]},
    "deadline": {"oneOf": [{"type": "string", "pattern": "^[0-9]+$"}, {"type": "integer", "minimum": 0}]},
    "v":        {"oneOf": [{"type": "string", "enum": ["0", "1", "27", "28"]}, {"type": "integer", "enum": [0, 1, 27, 28]}]},
    "r":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
    "s":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
  }
}`

var permitSchemaLoader = gojsonschema.NewStringLoader(permitRequestSchema)

// ParseSettlementRequest validates a settlement body completely before any
// dispatch. An empty body or empty object selects direct mode; anything else
// must be a complete permit.
func ParseSettlementRequest(body []byte) (SettlementRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return DirectSettlementRequest{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, NewValidationError(fmt.Sprintf("body is not a JSON object: %v", err))
	}
	if len(raw) == 0 {
		return DirectSettlementRequest{}, nil
	}

	result, err := gojsonschema.Validate(permitSchemaLoader, gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("schema validation failed: %v", err))
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, NewValidationError(strings.Join(problems, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, NewValidationError(fmt.Sprintf("failed to decode permit: %v", err))
	}
	value, err := decimalField(fields["value"])
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("value: %v", err))
	}
	deadline, err := decimalField(fields["deadline"])
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("deadline: %v", err))
	}
	v, err := decimalField(fields["v"])
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("v: %v", err))
	}

	return PermitSettlementRequest{
		Owner:    fields["owner"].(string),
		Value:    value,
		Deadline: deadline,
		V:        NormalizeV(uint8(v.Uint64())),
		R:        fields["r"].(string),
		S:        fields["s"].(string),
	}, nil
}

// NormalizeV maps a recovery id of 0/1 to 27/28
func NormalizeV(v uint8) uint8 {
	if v < 27 {
		return v + 27
	}
	return v
}

// maxUint256 bounds every numeric permit field
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func decimalField(v interface{}) (*big.Int, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %s", s)
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("exceeds uint256: %s", s)
	}
	return n, nil
}
