// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import "encoding/json"

// Well-known envelope keys of broker payloads.
const (
	messageKey    = "MESSAGE"
	publishKeyKey = "PUBLISH_KEY"
	metaKey       = "AMQP_META"
)

// DefaultPublishKey is used when a message carries no routing hint.
const DefaultPublishKey = "*"

// Message is the JSON object exchanged over the broker. It carries at
// least MESSAGE (the opaque payload) and PUBLISH_KEY (a routing hint);
// the Gateway adds an AMQP_META object before every publish.
type Message map[string]interface{}

// NewMessage wraps a payload into a broker envelope.
func NewMessage(payload interface{}, publishKey string) Message {
	if publishKey == "" {
		publishKey = DefaultPublishKey
	}
	return Message{
		messageKey:    payload,
		publishKeyKey: publishKey,
	}
}

// PublishKey returns the message's routing hint, or DefaultPublishKey
// if none is set.
func (m Message) PublishKey() string {
	if key, ok := m[publishKeyKey].(string); ok && key != "" {
		return key
	}
	return DefaultPublishKey
}

// Meta returns the gateway metadata attached to the message, if any.
func (m Message) Meta() map[string]interface{} {
	if meta, ok := m[metaKey].(map[string]interface{}); ok {
		return meta
	}
	return map[string]interface{}{}
}

// SetMeta attaches gateway metadata to the message, replacing any
// previous metadata.
func (m Message) SetMeta(meta map[string]interface{}) {
	m[metaKey] = meta
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire payload into a message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
