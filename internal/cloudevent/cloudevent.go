// Package cloudevent defines the envelope used as every Kafka record key.
// The correlation id inside it is the join key between a produced stimulus
// and the consumed response a scenario later fetches.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the key envelope. Field names follow the CloudEvents attribute
// names; TimeEpochMicroSource is the event time as microseconds since epoch
// at the source, carried separately so downstream clocks never rewrite it.
type Event struct {
	ID                   string `json:"id"`
	Source               string `json:"source"`
	SpecVersion          string `json:"specversion"`
	Type                 string `json:"type"`
	Time                 string `json:"time"`
	Subject              string `json:"subject"`
	DataContentType      string `json:"datacontenttype"`
	CorrelationID        string `json:"correlationid"`
	PayloadVersion       string `json:"payloadversion"`
	TimeEpochMicroSource int64  `json:"time_epoch_micro_source"`
}

// Fields lists the attribute names in wire order; the Avro, Protobuf, and
// JSON-Schema projections all use this order.
var Fields = []string{
	"id", "source", "specversion", "type", "time", "subject",
	"datacontenttype", "correlationid", "payloadversion",
	"time_epoch_micro_source",
}

// New builds an envelope for an event of the given type and correlation id,
// stamping time fields from the wall clock.
func New(source, eventType, subject, correlationID, payloadVersion string) Event {
	now := time.Now().UTC()
	return Event{
		ID:                   uuid.NewString(),
		Source:               source,
		SpecVersion:          "1.0",
		Type:                 eventType,
		Time:                 now.Format(time.RFC3339Nano),
		Subject:              subject,
		DataContentType:      "application/json",
		CorrelationID:        correlationID,
		PayloadVersion:       payloadVersion,
		TimeEpochMicroSource: now.UnixMicro(),
	}
}

// Validate enforces the attributes every record key must carry.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("cloudevent: id required")
	case e.Type == "":
		return errors.New("cloudevent: type required")
	case e.CorrelationID == "":
		return errors.New("cloudevent: correlationid required")
	case e.SpecVersion == "":
		return errors.New("cloudevent: specversion required")
	}
	return nil
}

// ToMap projects the envelope to a field map, the common input shape for the
// three serde paths.
func (e Event) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":                      e.ID,
		"source":                  e.Source,
		"specversion":             e.SpecVersion,
		"type":                    e.Type,
		"time":                    e.Time,
		"subject":                 e.Subject,
		"datacontenttype":         e.DataContentType,
		"correlationid":           e.CorrelationID,
		"payloadversion":          e.PayloadVersion,
		"time_epoch_micro_source": e.TimeEpochMicroSource,
	}
}

// FromMap rebuilds an envelope from a decoded field map. Numeric fields
// tolerate the integer widths the individual decoders produce.
func FromMap(m map[string]interface{}) (Event, error) {
	e := Event{
		ID:              str(m["id"]),
		Source:          str(m["source"]),
		SpecVersion:     str(m["specversion"]),
		Type:            str(m["type"]),
		Time:            str(m["time"]),
		Subject:         str(m["subject"]),
		DataContentType: str(m["datacontenttype"]),
		CorrelationID:   str(m["correlationid"]),
		PayloadVersion:  str(m["payloadversion"]),
	}
	switch v := m["time_epoch_micro_source"].(type) {
	case int64:
		e.TimeEpochMicroSource = v
	case int32:
		e.TimeEpochMicroSource = int64(v)
	case int:
		e.TimeEpochMicroSource = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return Event{}, fmt.Errorf("cloudevent: time_epoch_micro_source: %w", err)
		}
		e.TimeEpochMicroSource = n
	case float64:
		e.TimeEpochMicroSource = int64(v)
	case nil:
		// absent is tolerated; zero means unknown source time
	default:
		return Event{}, fmt.Errorf("cloudevent: time_epoch_micro_source has type %T", v)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
