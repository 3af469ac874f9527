package models

import "encoding/json"

// ActivityStream is an inbound federation message. Type, Actor and Object
// are required; every other field survives a round trip through Extra so
// unknown vocabulary is never dropped.
type ActivityStream struct {
	Type   string
	Actor  string
	Object json.RawMessage
	Extra  map[string]json.RawMessage
}

func (a *ActivityStream) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	out := ActivityStream{Extra: map[string]json.RawMessage{}}
	for k, v := range fields {
		switch k {
		case "type":
			if err := json.Unmarshal(v, &out.Type); err != nil {
				return err
			}
		case "actor":
			if err := json.Unmarshal(v, &out.Actor); err != nil {
				return err
			}
		case "object":
			out.Object = v
		default:
			out.Extra[k] = v
		}
	}
	*a = out
	return nil
}

func (a ActivityStream) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(a.Extra)+3)
	for k, v := range a.Extra {
		fields[k] = v
	}
	t, err := json.Marshal(a.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = t
	actor, err := json.Marshal(a.Actor)
	if err != nil {
		return nil, err
	}
	fields["actor"] = actor
	if a.Object != nil {
		fields["object"] = a.Object
	}
	return json.Marshal(fields)
}
