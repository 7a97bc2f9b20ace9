package paramtree

import "encoding/json"

// MarshalJSON renders a Value as the plain JSON it was modelled on, so a
// CommandPayload/Task's opaque Parameters round-trip over the wire exactly
// as a drone or operator client would expect.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return json.Marshal(nil)
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		return json.Marshal(v.obj)
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON decodes arbitrary JSON into a Value tree via FromAny, so any
// inbound payload — regardless of its shape — lands as a structured value
// rather than failing to decode.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
