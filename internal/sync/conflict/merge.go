package conflict

import (
	"bytes"
	"encoding/json"
	"reflect"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// Merge reconciles two JSON documents:
//   - if either side is absent (empty or null) the other side is returned unchanged
//   - if either side is not an object, server wins
//   - local-only keys keep the local value
//   - keys on both sides merge recursively when both values are objects, otherwise server wins
//
// Arrays are plain values. Merge(x, x) == x for any x.
func Merge(local, server json.RawMessage) (json.RawMessage, error) {
	if absent(local) {
		return clone(server), nil
	}
	if absent(server) {
		return clone(local), nil
	}

	l, err := decode(local)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "decode local data", err)
	}
	s, err := decode(server)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "decode server data", err)
	}

	lm, lok := l.(map[string]interface{})
	sm, sok := s.(map[string]interface{})
	if !lok || !sok {
		return clone(server), nil
	}

	out, err := json.Marshal(mergeObjects(lm, sm))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "encode merged data", err)
	}
	return out, nil
}

func mergeObjects(local, server map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(local)+len(server))
	for k, v := range server {
		out[k] = v
	}
	for k, lv := range local {
		sv, ok := server[k]
		if !ok {
			out[k] = lv
			continue
		}
		lm, lok := lv.(map[string]interface{})
		sm, sok := sv.(map[string]interface{})
		if lok && sok {
			out[k] = mergeObjects(lm, sm)
		}
	}
	return out
}

// Rebase replays the edit that turned base into edited on top of onto. Top-level keys that
// edited added, changed or removed relative to base take edited's state; every other key keeps
// onto's value. When any side is not an object, edited is returned unchanged.
func Rebase(base, edited, onto json.RawMessage) (json.RawMessage, error) {
	if absent(edited) || absent(onto) {
		return clone(edited), nil
	}
	e, err := decode(edited)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "decode edited data", err)
	}
	o, err := decode(onto)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "decode resolved data", err)
	}
	bm := map[string]interface{}{}
	if !absent(base) {
		b, err := decode(base)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "decode base data", err)
		}
		if bm, _ = b.(map[string]interface{}); bm == nil {
			return clone(edited), nil
		}
	}
	em, eok := e.(map[string]interface{})
	om, ook := o.(map[string]interface{})
	if !eok || !ook {
		return clone(edited), nil
	}

	for k, bv := range bm {
		if _, kept := em[k]; !kept {
			delete(om, k)
			continue
		}
		if !reflect.DeepEqual(em[k], bv) {
			om[k] = em[k]
		}
	}
	for k, ev := range em {
		if _, inBase := bm[k]; !inBase {
			om[k] = ev
		}
	}

	out, err := json.Marshal(om)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictResolution, "encode rebased data", err)
	}
	return out, nil
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decode keeps numbers as json.Number so large integers survive a round trip.
func decode(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
