package evaluation

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Decoding never fails. Documents may be half-written by another client, so a
// missing or mistyped field reads as its zero value instead of an error.

func str(m map[string]any, k string) string {
	if s, ok := m[k].(string); ok {
		return s
	}
	return ""
}

func boolean(m map[string]any, k string) bool {
	b, _ := m[k].(bool)
	return b
}

func list(m map[string]any, k string) []any {
	switch v := m[k].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	return nil
}

func strList(v any) []string {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
	case time.Time:
		return t.UTC()
	default:
		if ms, ok := number(v); ok && ms > 0 {
			return time.UnixMilli(int64(ms)).UTC()
		}
	}
	return time.Time{}
}

func EncodeStep(s Step) map[string]any {
	m := map[string]any{"id": s.StepID(), "type": string(s.Kind()), "title": s.StepTitle()}
	switch st := s.(type) {
	case Situation:
		m["description"] = st.Description
		m["imageUrl"] = st.ImageURL
	case Question:
		opts := make([]any, len(st.Options))
		for i, o := range st.Options {
			opts[i] = map[string]any{"id": o.ID, "label": o.Label}
		}
		m["question"] = st.Question
		m["options"] = opts
		m["multiple"] = st.Multiple
	case SelfEval:
		m["prompt"] = st.Prompt
		m["minLabel"] = st.MinLabel
		m["maxLabel"] = st.MaxLabel
	case Results:
		ids := make([]any, len(st.TargetStepIDs))
		for i, id := range st.TargetStepIDs {
			ids[i] = id
		}
		m["targetStepIds"] = ids
	default:
		panic(Unhandled(s))
	}
	return m
}

// DecodeStep reads one step. An unknown or missing type reads as a Situation so
// the learner can still page through it; a missing id becomes "step-{index}".
func DecodeStep(m map[string]any, index int) Step {
	id := strings.TrimSpace(str(m, "id"))
	if id == "" {
		id = fmt.Sprintf("step-%d", index)
	}
	title := str(m, "title")
	switch StepKind(str(m, "type")) {
	case KindQuestion:
		q := Question{ID: id, Title: title, Question: str(m, "question"), Multiple: boolean(m, "multiple"), Options: []Option{}}
		for _, raw := range list(m, "options") {
			om, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			oid := str(om, "id")
			if oid == "" {
				continue
			}
			q.Options = append(q.Options, Option{ID: oid, Label: str(om, "label")})
		}
		return q
	case KindSelfEval:
		return SelfEval{ID: id, Title: title, Prompt: str(m, "prompt"), MinLabel: str(m, "minLabel"), MaxLabel: str(m, "maxLabel")}
	case KindResults:
		ids := strList(m["targetStepIds"])
		if ids == nil {
			ids = []string{}
		}
		return Results{ID: id, Title: title, TargetStepIDs: ids}
	default:
		return Situation{ID: id, Title: title, Description: str(m, "description"), ImageURL: str(m, "imageUrl")}
	}
}

func Encode(e Evaluation) map[string]any {
	steps := make([]any, len(e.Steps))
	for i, s := range e.Steps {
		steps[i] = EncodeStep(s)
	}
	created := ""
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":        e.ID,
		"title":     e.Title,
		"createdAt": created,
		"steps":     steps,
	}
}

func Decode(id string, data map[string]any) Evaluation {
	if data == nil {
		data = map[string]any{}
	}
	if v := str(data, "id"); v != "" && id == "" {
		id = v
	}
	e := Evaluation{ID: id, Title: str(data, "title"), CreatedAt: timestamp(data["createdAt"]), Steps: []Step{}}
	raws := list(data, "steps")
	taken := map[string]bool{}
	for _, raw := range raws {
		if m, ok := raw.(map[string]any); ok {
			if sid := strings.TrimSpace(str(m, "id")); sid != "" {
				taken[sid] = true
			}
		}
	}
	for i, raw := range raws {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(str(m, "id")) == "" {
			m = withID(m, freeStepID(taken, i))
		}
		e.Steps = append(e.Steps, DecodeStep(m, i))
	}
	return e
}

// freeStepID picks "step-{i}" or, when an authored step already uses it, the
// first free "step-{i}-{n}".
func freeStepID(taken map[string]bool, i int) string {
	id := fmt.Sprintf("step-%d", i)
	for n := 2; taken[id]; n++ {
		id = fmt.Sprintf("step-%d-%d", i, n)
	}
	taken[id] = true
	return id
}

func withID(m map[string]any, id string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["id"] = id
	return out
}

func (e Evaluation) MarshalJSON() ([]byte, error) {
	return json.Marshal(Encode(e))
}

func (e *Evaluation) UnmarshalJSON(b []byte) error {
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*e = Decode("", m)
	return nil
}

func EncodeResponse(r Response) map[string]any {
	answers := map[string]any{}
	for k, v := range r.Answers {
		answers[k] = v
	}
	return map[string]any{
		"evaluationId": r.EvaluationID,
		"userId":       r.UserID,
		"answers":      answers,
		"updatedAt":    r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func DecodeResponse(data map[string]any) Response {
	if data == nil {
		data = map[string]any{}
	}
	r := Response{
		EvaluationID: str(data, "evaluationId"),
		UserID:       str(data, "userId"),
		Answers:      map[string]any{},
		UpdatedAt:    timestamp(data["updatedAt"]),
	}
	if m, ok := data["answers"].(map[string]any); ok {
		for k, v := range m {
			r.Answers[k] = v
		}
	}
	return r
}

// ChoiceSet reads a multiple-choice answer. A lone string counts as a one-element set.
func ChoiceSet(v any) []string {
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return strList(v)
}

// SingleChoice reads a single-choice answer. A list reads as its first element.
func SingleChoice(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if l := strList(v); len(l) > 0 {
		return l[0]
	}
	return ""
}

// DecodeSelfEval reads a self-evaluation answer, defaulting the position to 50.
func DecodeSelfEval(v any) SelfEvalAnswer {
	a := SelfEvalAnswer{Position: DefaultPosition}
	m, ok := v.(map[string]any)
	if !ok {
		return a
	}
	if n, ok := number(m["position"]); ok {
		a.Position = ClampPosition(int(math.Round(n)))
	}
	a.Justification = str(m, "justification")
	return a
}

// DecodeActivePointer reads {activeEvaluationId: id|null}; "" means nothing is live.
func DecodeActivePointer(data map[string]any) string {
	return strings.TrimSpace(str(data, "activeEvaluationId"))
}

func EncodeActivePointer(id string) map[string]any {
	if id == "" {
		return map[string]any{"activeEvaluationId": nil}
	}
	return map[string]any{"activeEvaluationId": id}
}
