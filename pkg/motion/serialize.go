// Plan wire format
//
// A plan serializes as a JSON array of motion objects. An XY motion is an
// object with a "blocks" key; a pen motion is an object with the servo
// positions and duration inline. The shape is stable so saved plans can
// be replotted by a later host version.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"encoding/json"

	"axidraw-go/pkg/errors"
)

type wireXYMotion struct {
	Blocks []Block `json:"blocks"`
}

// MarshalJSON implements json.Marshaler.
func (p *Plan) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(p.Motions))
	for _, m := range p.Motions {
		var (
			raw []byte
			err error
		)
		switch mm := m.(type) {
		case *XYMotion:
			raw, err = json.Marshal(wireXYMotion{Blocks: mm.Blocks})
		case PenMotion:
			raw, err = json.Marshal(mm)
		default:
			return nil, errors.InvalidPlanError("unknown motion type")
		}
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. A motion object with a
// "blocks" key decodes as an XY motion, anything else as a pen motion.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return errors.Wrap(err, errors.ErrInvalidPlan, "plan is not a JSON array")
	}
	motions := make([]Motion, 0, len(raws))
	for _, raw := range raws {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return errors.Wrap(err, errors.ErrInvalidPlan, "motion is not a JSON object")
		}
		if _, ok := probe["blocks"]; ok {
			var w wireXYMotion
			if err := json.Unmarshal(raw, &w); err != nil {
				return errors.Wrap(err, errors.ErrInvalidPlan, "malformed XY motion")
			}
			motions = append(motions, NewXYMotion(w.Blocks))
		} else {
			var pm PenMotion
			if err := json.Unmarshal(raw, &pm); err != nil {
				return errors.Wrap(err, errors.ErrInvalidPlan, "malformed pen motion")
			}
			motions = append(motions, pm)
		}
	}
	p.Motions = motions
	return nil
}
