package store

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Thumbnail size bucket names, as used in Record.Thumbnails keys.
const (
	BucketSmall  = "small"
	BucketMedium = "medium"
	BucketLarge  = "large"
)

// UnixTime is a creation timestamp in seconds since the epoch.
// Legacy stores carry it as a number, a numeric string, or an ISO-8601
// string; all forms decode to a float and marshal back as a number.
// Unparseable values decode to zero rather than failing the whole store.
type UnixTime float64

// UnmarshalJSON accepts numeric, numeric-string and RFC3339 timestamps.
func (t *UnixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}

	if data[0] != '"' {
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			*t = 0
			return nil
		}
		*t = UnixTime(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = 0
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*t = UnixTime(f)
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			*t = UnixTime(float64(ts.UnixNano()) / float64(time.Second))
			return nil
		}
	}
	*t = 0
	return nil
}

// MarshalJSON always writes the normalized numeric form.
func (t UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(t), 'f', -1, 64)), nil
}

// Time converts the timestamp to a time.Time in UTC.
func (t UnixTime) Time() time.Time {
	sec := int64(t)
	nsec := int64((float64(t) - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Now returns the current time as a UnixTime.
func Now() UnixTime {
	return UnixTime(float64(time.Now().UnixNano()) / float64(time.Second))
}

// Record is one archived image entry in the metadata store.
// Nullable fields are pointers so the persisted JSON keeps explicit nulls
// that older store versions wrote.
type Record struct {
	ID               string            `json:"id"`
	Filename         string            `json:"filename"`
	Title            string            `json:"title"`
	Prompt           *string           `json:"prompt"`
	Tags             []string          `json:"tags"`
	CreatedAt        UnixTime          `json:"created_at"`
	Width            *int              `json:"width"`
	Height           *int              `json:"height"`
	URL              *string           `json:"url"`
	ConversationID   *string           `json:"conversation_id"`
	MessageID        *string           `json:"message_id"`
	ConversationLink *string           `json:"conversation_link"`
	Thumbnail        string            `json:"thumbnail,omitempty"`
	Thumbnails       map[string]string `json:"thumbnails,omitempty"`
}
