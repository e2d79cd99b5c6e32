package orchestrator

import (
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// keyFields are the payload fields that identify an event, in priority order.
var keyFields = []string{"messageId", "callId", "id"}

// DeriveKey returns the idempotency key "topic:identifier" for msg. The identifier
// comes from the payload's top level, then from its "body" object. A payload without
// one is keyed by its log position, which still deduplicates plain redeliveries.
func DeriveKey(msg kafka.Message) string {
	id := identifier(msg.Value)
	if id == "" {
		id = strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10)
	}
	return msg.Topic + ":" + id
}

func identifier(payload []byte) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	if id := pick(doc); id != "" {
		return id
	}

	body, ok := doc["body"]
	if !ok {
		return ""
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(body, &inner); err != nil {
		return ""
	}
	return pick(inner)
}

func pick(doc map[string]json.RawMessage) string {
	for _, field := range keyFields {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}
