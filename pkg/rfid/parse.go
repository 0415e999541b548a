package rfid

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Parse failures are classified so the pipeline can distinguish an
// unparseable body from a structurally valid record missing required fields.
// All of them are drop-and-log conditions, never fatal to the subscriber loop.
var (
	ErrMalformedPayload = errors.New("malformed read event payload")
	ErrMissingTagID     = errors.New("read event missing tag identifier")
	ErrMissingReadTime  = errors.New("read event missing read timestamp")
)

// flexString absorbs scalar fields that readers emit as either JSON numbers
// or JSON strings depending on firmware version.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// wireReadEvent mirrors the loosely-structured message bodies RFID readers
// publish. Two generations of payload exist side by side: a flat record, and
// the same record nested one level under a "data" key. Field name spellings
// also drifted between firmware versions (EPC vs tagId, Time vs ReadTime),
// so every alias is accepted. Unknown fields are ignored.
type wireReadEvent struct {
	EPC      string     `json:"EPC"`
	TagID    string     `json:"tagId"`
	Time     string     `json:"Time"`
	ReadTime string     `json:"ReadTime"`
	TID      string     `json:"TID"`
	RSSI     flexString `json:"RSSI"`
	AntID    flexString `json:"AntId"`
	MAC      string     `json:"MAC"`
	Device   string     `json:"Device"`
	ReadType flexString `json:"ReadType"`
	IP       string     `json:"IP"`
	NetMsg   string     `json:"NetMsg"`

	Data *wireReadEvent `json:"data"`
}

func (w *wireReadEvent) tagID() string {
	if w.EPC != "" {
		return w.EPC
	}
	return w.TagID
}

func (w *wireReadEvent) readTime() string {
	if w.Time != "" {
		return w.Time
	}
	return w.ReadTime
}

// ParseReadEvent decodes a broker message body into a RawReadEvent. It
// accepts both the flat and the nested-under-data payload shapes and either
// accepted spelling of the tag id and timestamp fields. A nil event and a
// classified error are returned for anything that cannot yield a valid read.
func ParseReadEvent(payload []byte) (*RawReadEvent, error) {
	var wire wireReadEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	record := &wire
	if wire.Data != nil {
		record = wire.Data
	}

	tagID := record.tagID()
	if tagID == "" {
		return nil, ErrMissingTagID
	}
	readTime := record.readTime()
	if readTime == "" {
		return nil, ErrMissingReadTime
	}

	return &RawReadEvent{
		TagID:     tagID,
		ReadTime:  readTime,
		TID:       record.TID,
		RSSI:      string(record.RSSI),
		AntID:     string(record.AntID),
		ReaderMAC: record.MAC,
		Device:    record.Device,
		ReadType:  string(record.ReadType),
		ReaderIP:  record.IP,
		NetMsg:    record.NetMsg,
	}, nil
}
