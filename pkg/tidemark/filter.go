package tidemark

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Predicate is a single payload subset object: a set of key→value bindings.
// A payload matches the predicate iff it contains every key with an equal
// value under JSON subset containment (nested objects recursively, arrays by
// containment of every listed element). Values are compared structurally.
type Predicate map[string]any

// Filter describes which events are in scope: a non-empty set of event types
// plus a possibly-empty disjunction of payload predicates. An event matches
// when its type is in the set and, if predicates are present, at least one
// predicate is contained in its payload.
//
// Filter is an immutable value. The With* methods return a new Filter and
// never mutate the receiver; equal filters produce identical query and
// append behaviour.
type Filter struct {
	eventTypes []string
	predicates []Predicate

	// invalid carries a construction failure from WithPayloadPredicates until
	// the filter reaches an EventStore operation, which reports it.
	invalid error
}

// NewFilter creates a Filter with the given event types and optional payload
// predicates. It returns a ValidationError if types is empty, any type tag is
// blank, or a predicate value cannot be represented as JSON.
func NewFilter(eventTypes []string, predicates ...Predicate) (Filter, error) {
	if len(eventTypes) == 0 {
		return Filter{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "newFilter",
				Err: fmt.Errorf("filter must contain at least one event type"),
			},
			Field: "eventTypes",
			Value: "empty",
		}
	}
	for i, eventType := range eventTypes {
		if strings.TrimSpace(eventType) == "" {
			return Filter{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "newFilter",
					Err: fmt.Errorf("blank event type at index %d", i),
				},
				Field: "eventTypes",
				Value: fmt.Sprintf("index:%d", i),
			}
		}
	}

	normalized := make([]Predicate, 0, len(predicates))
	for i, p := range predicates {
		np, err := normalizePredicate(p)
		if err != nil {
			return Filter{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "newFilter",
					Err: fmt.Errorf("predicate at index %d is not representable as JSON: %w", i, err),
				},
				Field: "predicates",
				Value: fmt.Sprintf("index:%d", i),
			}
		}
		normalized = append(normalized, np)
	}

	types := make([]string, len(eventTypes))
	copy(types, eventTypes)

	return Filter{
		eventTypes: types,
		predicates: normalized,
	}, nil
}

// MustNewFilter is NewFilter panicking on error, for statically known filters.
func MustNewFilter(eventTypes []string, predicates ...Predicate) Filter {
	f, err := NewFilter(eventTypes, predicates...)
	if err != nil {
		panic(err)
	}
	return f
}

// WithPayloadPredicate returns a new Filter whose predicate list has one
// additional subset {key: value}. Adding a predicate to a non-empty list
// broadens the match; the first predicate narrows a type-only filter.
func (f Filter) WithPayloadPredicate(key string, value any) Filter {
	return f.WithPayloadPredicates(Predicate{key: value})
}

// WithPayloadPredicates returns a new Filter whose predicate list has one
// additional subset equal to obj (all its keys ANDed by containment).
func (f Filter) WithPayloadPredicates(obj Predicate) Filter {
	np, err := normalizePredicate(obj)
	if err != nil {
		// Defer the failure to the EventStore operation, where validation
		// reports it as a ValidationError with full context.
		np = Predicate{}
		f.invalid = fmt.Errorf("predicate is not representable as JSON: %w", err)
	}
	predicates := make([]Predicate, len(f.predicates), len(f.predicates)+1)
	copy(predicates, f.predicates)
	return Filter{
		eventTypes: f.eventTypes,
		predicates: append(predicates, np),
		invalid:    f.invalid,
	}
}

// EventTypes returns a copy of the filter's event type set.
func (f Filter) EventTypes() []string {
	types := make([]string, len(f.eventTypes))
	copy(types, f.eventTypes)
	return types
}

// PayloadPredicates returns a deep copy of the filter's predicate list;
// mutating the copies cannot reach back into the filter.
func (f Filter) PayloadPredicates() []Predicate {
	predicates := make([]Predicate, len(f.predicates))
	for i, p := range f.predicates {
		// Predicates were normalized at construction, so the round trip
		// cannot fail.
		np, err := normalizePredicate(p)
		if err != nil {
			np = Predicate{}
		}
		predicates[i] = np
	}
	return predicates
}

// Equal reports whether two filters are structurally equal: same event types
// in the same order and same predicates in the same order, with predicate
// values compared structurally.
func (f Filter) Equal(other Filter) bool {
	if len(f.eventTypes) != len(other.eventTypes) || len(f.predicates) != len(other.predicates) {
		return false
	}
	for i, eventType := range f.eventTypes {
		if other.eventTypes[i] != eventType {
			return false
		}
	}
	for i, p := range f.predicates {
		if !reflect.DeepEqual(map[string]any(p), map[string]any(other.predicates[i])) {
			return false
		}
	}
	return true
}

// MarshalJSON renders the diagnostics wire form
// {"event_types": [...], "payload_predicates": [...]}.
func (f Filter) MarshalJSON() ([]byte, error) {
	predicates := f.predicates
	if predicates == nil {
		predicates = []Predicate{}
	}
	return json.Marshal(struct {
		EventTypes        []string    `json:"event_types"`
		PayloadPredicates []Predicate `json:"payload_predicates"`
	}{
		EventTypes:        f.eventTypes,
		PayloadPredicates: predicates,
	})
}

// String renders the filter for log output.
func (f Filter) String() string {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("filter(%v)", f.eventTypes)
	}
	return string(data)
}

// Matches reports whether an event with the given type and JSON payload is in
// the filter's scope. This is the authoritative matching semantics; the SQL
// the store renders agrees with it.
func (f Filter) Matches(eventType string, payload []byte) bool {
	inSet := false
	for _, t := range f.eventTypes {
		if t == eventType {
			inSet = true
			break
		}
	}
	if !inSet {
		return false
	}
	if len(f.predicates) == 0 {
		return true
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false
	}
	for _, p := range f.predicates {
		if containsValue(doc, map[string]any(p)) {
			return true
		}
	}
	return false
}

// validate reports the filter's construction state at operation time. Filters
// built through NewFilter are always valid; the zero Filter and filters that
// accumulated a bad predicate through WithPayloadPredicates are not.
func (f Filter) validate(op string) error {
	if len(f.eventTypes) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("filter must contain at least one event type"),
			},
			Field: "filter",
			Value: "empty",
		}
	}
	for i, eventType := range f.eventTypes {
		if strings.TrimSpace(eventType) == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("blank event type at index %d", i),
				},
				Field: "filter",
				Value: fmt.Sprintf("eventTypes[%d]", i),
			}
		}
	}
	if f.invalid != nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: f.invalid,
			},
			Field: "filter",
			Value: "predicates",
		}
	}
	return nil
}

// predicateJSON marshals each predicate for use as a JSONB query argument.
func (f Filter) predicateJSON() ([][]byte, error) {
	out := make([][]byte, len(f.predicates))
	for i, p := range f.predicates {
		data, err := json.Marshal(map[string]any(p))
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// normalizePredicate round-trips the predicate through JSON so that values
// carry the same representation the payload will after unmarshalling
// (numbers as float64, nested maps as map[string]any). Structural comparison
// then needs no type-aware special cases.
func normalizePredicate(p Predicate) (Predicate, error) {
	if p == nil {
		return Predicate{}, nil
	}
	data, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return Predicate(normalized), nil
}

// containsValue implements the JSONB "@>" relation over decoded JSON values:
// objects by recursive key containment, arrays by containment of every listed
// element, scalars by equality. Both sides must come from json.Unmarshal so
// numbers are float64 throughout.
func containsValue(doc, subset any) bool {
	switch s := subset.(type) {
	case map[string]any:
		d, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		for key, sv := range s {
			dv, ok := d[key]
			if !ok || !containsValue(dv, sv) {
				return false
			}
		}
		return true
	case []any:
		d, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, sv := range s {
			found := false
			for _, dv := range d {
				if containsValue(dv, sv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return doc == subset
	}
}
