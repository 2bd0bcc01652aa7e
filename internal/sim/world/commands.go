package world

import (
	"encoding/json"
	"fmt"
)

// Command kinds accepted from the command collection.
const (
	CmdPause       = "pause"
	CmdResume      = "resume"
	CmdSetGoal     = "set_goal"
	CmdSetPolicy   = "set_policy"
	CmdInjectEvent = "inject_event"
	CmdSetParam    = "set_param"
)

// Command is an external control document, drained FIFO by ts at step
// boundaries.
type Command struct {
	CmdID   string          `json:"cmd_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts"`
}

type setPolicyPayload struct {
	PolicyID string          `json:"policy_id"`
	Enabled  *bool           `json:"enabled,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type injectEventPayload struct {
	Event    *Event  `json:"event,omitempty"`
	MetricID string  `json:"metric_id,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

type setParamPayload struct {
	Sector string  `json:"sector,omitempty"`
	Param  string  `json:"param"`
	Value  float64 `json:"value,omitempty"`
	Mode   string  `json:"mode,omitempty"`
}

// ApplyCommand applies one external command. Only called between steps.
func (w *World) ApplyCommand(cmd Command) error {
	switch cmd.Kind {
	case CmdPause:
		w.paused = true
		return nil

	case CmdResume:
		w.paused = false
		return nil

	case CmdSetGoal:
		var g Goal
		if err := json.Unmarshal(cmd.Payload, &g); err != nil {
			return fmt.Errorf("set_goal payload: %w", err)
		}
		if g.ID == "" {
			return fmt.Errorf("set_goal: empty goal id")
		}
		goals := w.eval.Goals()
		replaced := false
		for i := range goals {
			if goals[i].ID == g.ID {
				goals[i] = g
				replaced = true
			}
		}
		if !replaced {
			goals = append(goals, g)
		}
		w.eval.SetGoals(goals)
		return nil

	case CmdSetPolicy:
		var p setPolicyPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("set_policy payload: %w", err)
		}
		pol, ok := w.policies.Get(p.PolicyID)
		if !ok {
			return fmt.Errorf("set_policy: unknown policy %q", p.PolicyID)
		}
		if p.Enabled != nil {
			pol.SetEnabled(*p.Enabled)
		}
		if len(p.Params) > 0 {
			c, ok := pol.(Configurable)
			if !ok {
				return fmt.Errorf("set_policy: policy %q not configurable", p.PolicyID)
			}
			if err := c.Configure(p.Params); err != nil {
				return fmt.Errorf("set_policy %s: %w", p.PolicyID, err)
			}
		}
		return nil

	case CmdInjectEvent:
		var p injectEventPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("inject_event payload: %w", err)
		}
		if p.Event != nil {
			ev := *p.Event
			ev.Step = w.t
			w.bus.Publish(ev)
			return nil
		}
		if p.MetricID != "" {
			w.eval.Inject(p.MetricID, p.Value)
			return nil
		}
		return fmt.Errorf("inject_event: empty payload")

	case CmdSetParam:
		var p setParamPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("set_param payload: %w", err)
		}
		switch p.Param {
		case "throttle":
			return w.mutator.SetThrottle(p.Sector, p.Value)
		case "target_rate":
			return w.mutator.SetTargetRate(p.Sector, p.Value)
		case "commit_mode":
			mode, err := ParseCommitMode(p.Mode)
			if err != nil {
				return err
			}
			w.ledger.SetMode(mode)
			return nil
		default:
			return fmt.Errorf("set_param: unknown param %q", p.Param)
		}

	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}
